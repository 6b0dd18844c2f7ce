package simdevice

import "github.com/bigkaa/cartlink/internal/domain/model"

// Demo создаёт симулятор с небольшой библиотекой игр и музыки на SD.
// USB-носитель пуст.
func Demo(name string) *Device {
	d := New(name)
	files := []struct {
		path string
		data string
	}{
		{"/games/Zork.prg", "zork"},
		{"/games/Elite.prg", "elite"},
		{"/games/arcade/Archon.crt", "archon"},
		{"/games/arcade/Pac-Man.crt", "pacman"},
		{"/music/MUSICIANS/Hubbard_Rob/Commando.sid", "commando"},
		{"/music/MUSICIANS/Galway_Martin/Parallax.sid", "parallax"},
		{"/images/Koala.kla", "koala"},
	}
	for _, f := range files {
		d.AddFile(model.StorageSD, f.path, []byte(f.data))
	}
	return d
}

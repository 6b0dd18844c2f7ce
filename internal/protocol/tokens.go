// Пакет protocol — команды картриджа поверх полудуплексного порта.
//
// Две формы обмена:
//   - fire-and-ack: токен (2 байта), короткие параметры, ack (2 байта);
//   - bulk: токен, ack, заголовок (длина, контрольная сумма, носитель,
//     путь\0), ack, данные блоками по 16 КиБ, финальный ack.
//
// Токены и целые пишутся старшим байтом вперёд; целые и ack от
// устройства читаются младшим байтом вперёд.
package protocol

import "fmt"

// Token — двухбайтовый код команды или ответа.
type Token uint16

// Значения зафиксированы прошивкой.
const (
	TokenAck  Token = 0x64CC
	TokenFail Token = 0x9B7F

	TokenPing           Token = 0x6455
	TokenReset          Token = 0x64EE
	TokenLaunchFile     Token = 0x6444
	TokenTogglePlayback Token = 0x6466
	TokenPlaySubtune    Token = 0x6488
	TokenMuteVoices     Token = 0x6469
	TokenSetMusicSpeed  Token = 0x6499
	TokenSendFile       Token = 0x64BB
	TokenGetFile        Token = 0x64B0
	TokenDeleteFile     Token = 0x64CF
	TokenListDirectory  Token = 0x64DD

	TokenStartDirectoryList Token = 0x5A5A
	TokenEndDirectoryList   Token = 0xA5A5
)

// VersionCheck — однобайтовый запрос версии, отправляется при обнаружении.
const VersionCheck byte = 0x55

// ChunkSize — размер блока при передаче файла.
const ChunkSize = 16 * 1024

// Параметры пагинации листинга: прошивка отдаёт каталог целиком.
const (
	listSkip = 0
	listTake = 9999
)

var tokenNames = map[Token]string{
	TokenAck:                "ack",
	TokenFail:               "fail",
	TokenPing:               "ping",
	TokenReset:              "reset",
	TokenLaunchFile:         "launch_file",
	TokenTogglePlayback:     "toggle_playback",
	TokenPlaySubtune:        "play_subtune",
	TokenMuteVoices:         "mute_voices",
	TokenSetMusicSpeed:      "set_music_speed",
	TokenSendFile:           "send_file",
	TokenGetFile:            "get_file",
	TokenDeleteFile:         "delete_file",
	TokenListDirectory:      "list_directory",
	TokenStartDirectoryList: "start_directory_list",
	TokenEndDirectoryList:   "end_directory_list",
}

// String возвращает имя токена для логов и метрик.
func (t Token) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X", uint16(t))
}

// Bytes возвращает токен в порядке отправки (старший байт первым).
func (t Token) Bytes() []byte {
	return []byte{byte(t >> 8), byte(t)}
}

// LittleEndianBytes возвращает токен в порядке, в котором его шлёт устройство.
func (t Token) LittleEndianBytes() []byte {
	return []byte{byte(t), byte(t >> 8)}
}

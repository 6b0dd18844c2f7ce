package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// tabular — результат, который умеет выводиться таблицей.
type tabular interface {
	header() []string
	rows() [][]string
}

// render выводит data в формате table, json или yaml.
func render(w io.Writer, format string, data tabular) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	}

	rows := data.rows()
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "Ничего не найдено.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if h := data.header(); len(h) > 0 {
		fmt.Fprintln(tw, strings.Join(h, "\t"))
	}
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// fields — результат из пар ключ/значение (ping, get, put ...).
type fields []field

type field struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

func (f fields) header() []string { return nil }

func (f fields) rows() [][]string {
	out := make([][]string, len(f))
	for i, kv := range f {
		out[i] = []string{strings.ToUpper(kv.Key) + ":", kv.Value}
	}
	return out
}

// MarshalJSON выводит пары объектом, сохраняя их смысл для jq.
func (f fields) MarshalJSON() ([]byte, error) {
	m := make(map[string]string, len(f))
	for _, kv := range f {
		m[kv.Key] = kv.Value
	}
	return json.Marshal(m)
}

// MarshalYAML выводит пары отображением в исходном порядке.
func (f fields) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, kv := range f {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: kv.Key},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: kv.Value})
	}
	return node, nil
}

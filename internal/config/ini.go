package config

import (
	"strings"

	"github.com/go-ini/ini"
)

// parseINI turns an ini document into the nested map viper merges. A section
// named "storage.s3" becomes storage -> s3; keys outside a section sit at the top level.
func parseINI(data []byte) (map[string]any, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	for _, section := range file.Sections() {
		target := out
		if section.Name() != ini.DefaultSection {
			for _, part := range strings.Split(strings.ToLower(section.Name()), ".") {
				child, ok := target[part].(map[string]any)
				if !ok {
					child = map[string]any{}
					target[part] = child
				}
				target = child
			}
		}
		for _, key := range section.Keys() {
			target[strings.ToLower(key.Name())] = key.String()
		}
	}
	return out, nil
}

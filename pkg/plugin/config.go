package plugin

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/dcerpc"
)

// DecodeConfig decodes a plugin's settings map into out. Unknown keys are
// rejected so that typos in the configuration surface at startup.
func DecodeConfig(cfg map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	return nil
}

// ParseAuthLevels maps level names ("connect", "integrity", "packet
// privacy", ...) to auth levels. An empty list selects every level.
func ParseAuthLevels(names []string) ([]dcerpc.AuthLevel, error) {
	if len(names) == 0 {
		return dcerpc.AuthLevels, nil
	}
	out := make([]dcerpc.AuthLevel, 0, len(names))
next:
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		for _, l := range dcerpc.AuthLevels {
			full := l.String()
			if name == full || name == strings.TrimPrefix(full, "packet ") {
				out = append(out, l)
				continue next
			}
		}
		return nil, fmt.Errorf("%w: unknown auth level %q", core.ErrConfigInvalid, name)
	}
	return out, nil
}

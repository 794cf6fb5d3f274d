package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/memohai/clibridge/internal/prompt"
)

const generationPath = "model.modelConfig.generateContentConfig"

// LoadBaseSettings reads the static settings file. A missing file reads as an
// empty document; a malformed one is an error the caller may log and ignore.
func LoadBaseSettings(path string) ([]byte, error) {
	if path == "" {
		return []byte("{}"), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []byte("{}"), nil
		}
		return []byte("{}"), fmt.Errorf("read settings: %w", err)
	}
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return []byte("{}"), fmt.Errorf("settings %s is not a JSON object", path)
	}
	return data, nil
}

// MergeSettings overlays per-request generation parameters and the native
// tool denylist onto base. Existing exclusions are kept.
func MergeSettings(base []byte, overlay prompt.Overlay) ([]byte, error) {
	doc := append([]byte(nil), base...)
	if len(bytes.TrimSpace(doc)) == 0 {
		doc = []byte("{}")
	}
	var err error

	if gen := overlay.Generation; gen != nil {
		if m := gjson.GetBytes(doc, "model"); m.Exists() && !m.IsObject() {
			// A bare model name is moved under model.name so the nested config fits.
			if doc, err = sjson.SetBytes(doc, "model", map[string]any{"name": m.Value()}); err != nil {
				return nil, err
			}
		}
		raw, mErr := json.Marshal(gen)
		if mErr != nil {
			return nil, fmt.Errorf("encode generation config: %w", mErr)
		}
		// Field names follow the genai JSON encoding, which matches the
		// external program's settings schema.
		gjson.ParseBytes(raw).ForEach(func(key, value gjson.Result) bool {
			doc, err = sjson.SetRawBytes(doc, generationPath+"."+key.String(), []byte(value.Raw))
			return err == nil
		})
		if err != nil {
			return nil, fmt.Errorf("merge generation config: %w", err)
		}
	}

	if len(overlay.ExcludeTools) > 0 {
		seen := make(map[string]struct{})
		var exclude []string
		for _, v := range gjson.GetBytes(doc, "tools.exclude").Array() {
			name := v.String()
			if _, ok := seen[name]; ok || name == "" {
				continue
			}
			seen[name] = struct{}{}
			exclude = append(exclude, name)
		}
		for _, name := range overlay.ExcludeTools {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			exclude = append(exclude, name)
		}
		if t := gjson.GetBytes(doc, "tools"); t.Exists() && !t.IsObject() {
			if doc, err = sjson.DeleteBytes(doc, "tools"); err != nil {
				return nil, err
			}
		}
		if doc, err = sjson.SetBytes(doc, "tools.exclude", exclude); err != nil {
			return nil, fmt.Errorf("merge tool exclusions: %w", err)
		}
	}

	var out bytes.Buffer
	if err := json.Indent(&out, doc, "", "  "); err != nil {
		return nil, fmt.Errorf("format settings: %w", err)
	}
	return out.Bytes(), nil
}

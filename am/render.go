package am

import (
	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/forage/errors"
)

// Render encodes the effective configuration as TOML, ready to paste into forage.toml.
func Render(c *Config) ([]byte, error) {
	out, err := toml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode config")
	}
	return out, nil
}

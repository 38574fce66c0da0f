package serialization

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

type codecRegistry struct {
	lock sync.RWMutex

	codecs map[string]Codec
}

func (r *codecRegistry) register(c Codec) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	name := c.Name()
	if _, ok := r.codecs[name]; ok {
		return fmt.Errorf("codec %s already registered", name)
	}

	r.codecs[name] = c

	return nil
}

func (r *codecRegistry) byName(name string) (Codec, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	c, ok := r.codecs[name]
	if !ok {
		return nil, fmt.Errorf("codec %s not found", name)
	}

	return c, nil
}

var registry = codecRegistry{
	codecs: map[string]Codec{
		"json": NewJSONCodec(),
		"gob":  NewGobCodec(),
	},
}

// RegisterCodec makes a codec available by name.
func RegisterCodec(c Codec) error {
	return registry.register(c)
}

// CodecByName returns a registered codec.
func CodecByName(name string) (Codec, error) {
	return registry.byName(name)
}

// CodecForPath picks a codec from the file extension of path. Files without
// a known extension use JSON.
func CodecForPath(path string) Codec {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")

	c, err := registry.byName(ext)
	if err != nil {
		return NewJSONCodec()
	}

	return c
}

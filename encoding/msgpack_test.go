package encoding

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID    uint64            `msgpack:"id"`
	Name  string            `msgpack:"name"`
	Tags  []string          `msgpack:"tags"`
	Attrs map[string]uint64 `msgpack:"attrs"`
}

func TestMarshal_Struct(t *testing.T) {
	in := record{ID: 7, Name: "mv1", Tags: []string{"a", "b"}, Attrs: map[string]uint64{"x": 1}}

	data, err := Marshal(in)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	var out record
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestUnmarshal_InterfaceKeepsStrings(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"name": "alice"})
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, Unmarshal(data, &out))
	_, isString := out["name"].(string)
	assert.True(t, isString)
}

func TestCompressed_ShrinksRepetitiveData(t *testing.T) {
	in := record{Name: strings.Repeat("sstable-", 512)}

	plain, err := Marshal(in)
	require.NoError(t, err)
	packed, err := MarshalCompressed(in)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(plain))

	var out record
	require.NoError(t, UnmarshalCompressed(packed, &out))
	assert.Equal(t, in.Name, out.Name)
}

func TestUnmarshalCompressed_AcceptsPlain(t *testing.T) {
	plain, err := Marshal(record{ID: 42})
	require.NoError(t, err)

	var out record
	require.NoError(t, UnmarshalCompressed(plain, &out))
	assert.Equal(t, uint64(42), out.ID)
}

func TestCompressed_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := record{ID: uint64(i), Name: strings.Repeat("x", i*10)}
			data, err := MarshalCompressed(in)
			if !assert.NoError(t, err) {
				return
			}
			var out record
			if assert.NoError(t, UnmarshalCompressed(data, &out)) {
				assert.Equal(t, in.ID, out.ID)
			}
		}(i)
	}
	wg.Wait()
}

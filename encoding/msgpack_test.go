package encoding

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleEntry struct {
	Seq        uint64 `msgpack:"s"`
	Collection string `msgpack:"c"`
	Payload    []byte `msgpack:"p"`
}

func TestMarshalRoundTripStruct(t *testing.T) {
	in := sampleEntry{Seq: 42, Collection: "tasks", Payload: []byte(`{"_id":"1"}`)}

	data, err := Marshal(&in)
	require.NoError(t, err)

	var out sampleEntry
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestUnmarshal_StringNotBytes(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"name": "alice"})
	require.NoError(t, err)

	var out interface{}
	require.NoError(t, Unmarshal(data, &out))
	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	_, isString := m["name"].(string)
	assert.True(t, isString)
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				data, err := Marshal(&sampleEntry{Seq: uint64(id*1000 + j)})
				if !assert.NoError(t, err) {
					return
				}
				var out sampleEntry
				if assert.NoError(t, Unmarshal(data, &out)) {
					assert.Equal(t, uint64(id*1000+j), out.Seq)
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestPackUnpack(t *testing.T) {
	small := []byte("tiny")
	frame := Pack(small, 64)
	assert.Equal(t, framePlain, frame[0])
	out, err := Unpack(frame)
	require.NoError(t, err)
	assert.Equal(t, small, out)

	large := bytes.Repeat([]byte(`{"status":"open","priority":5}`), 100)
	frame = Pack(large, 64)
	assert.Equal(t, frameZstd, frame[0])
	assert.Less(t, len(frame), len(large))
	out, err = Unpack(frame)
	require.NoError(t, err)
	assert.Equal(t, large, out)

	frame = Pack(large, 0)
	assert.Equal(t, framePlain, frame[0])

	_, err = Unpack(nil)
	assert.Error(t, err)
	_, err = Unpack([]byte{9, 1})
	assert.Error(t, err)
}

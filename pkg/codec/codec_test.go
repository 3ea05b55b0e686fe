package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name    string            `json:"name" msgpack:"name"`
	Count   int               `json:"count" msgpack:"count"`
	Labels  map[string]string `json:"labels" msgpack:"labels"`
	Created time.Time         `json:"created" msgpack:"created"`
}

func TestGet(t *testing.T) {
	assert.Equal(t, NameJSON, Get("json").Name())
	assert.Equal(t, NameMsgpack, Get("msgpack").Name())
	assert.Equal(t, NameMsgpack, Get("").Name())
	assert.Equal(t, "application/json", Get("json").ContentType())
}

func TestCodecsPreservePayloads(t *testing.T) {
	in := sample{
		Name:    "order-42",
		Count:   3,
		Labels:  map[string]string{"region": "eu"},
		Created: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	for _, c := range []Codec{JSON{}, Msgpack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Marshal(in)
			require.NoError(t, err)

			var out sample
			require.NoError(t, c.Unmarshal(data, &out))
			assert.Equal(t, in.Name, out.Name)
			assert.Equal(t, in.Count, out.Count)
			assert.Equal(t, in.Labels, out.Labels)
			assert.True(t, in.Created.Equal(out.Created))
		})
	}
}

func TestMsgpackIsSmallerThanJSON(t *testing.T) {
	in := sample{Name: "x", Count: 1}
	j, err := JSON{}.Marshal(in)
	require.NoError(t, err)
	m, err := Msgpack{}.Marshal(in)
	require.NoError(t, err)
	assert.Less(t, len(m), len(j))
}

func TestUnmarshalGarbage(t *testing.T) {
	var out sample
	assert.Error(t, JSON{}.Unmarshal([]byte("{"), &out))
	assert.Error(t, Msgpack{}.Unmarshal([]byte{0xc1}, &out))
}

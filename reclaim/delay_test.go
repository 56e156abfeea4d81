package reclaim

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseDelay(t *testing.T) {
	tests := []struct {
		in      string
		want    Delay
		wantErr bool
	}{
		{in: "infinity", want: Infinity},
		{in: "INFINITY", want: Infinity},
		{in: "60", want: DefaultDelay},
		{in: "90s", want: Delay(90 * time.Second)},
		{in: "0", want: 0},
		{in: "1500ms", want: Delay(1500 * time.Millisecond)},
		{in: "-1", wantErr: true},
		{in: "-5s", wantErr: true},
		{in: "100000001", wantErr: true},
		{in: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDelay(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDelay)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDelayString(t *testing.T) {
	assert.Equal(t, "infinity", Infinity.String())
	assert.Equal(t, "1m0s", DefaultDelay.String())
	assert.True(t, MaxDelay.Valid())
	assert.False(t, (MaxDelay + 1).Valid())
}

func TestDelayYAML(t *testing.T) {
	var cfg struct {
		A Delay `yaml:"a"`
		B Delay `yaml:"b"`
		C Delay `yaml:"c"`
	}
	err := yaml.Unmarshal([]byte("a: 30s\nb: infinity\nc: 120\n"), &cfg)
	require.NoError(t, err)
	assert.Equal(t, Delay(30*time.Second), cfg.A)
	assert.Equal(t, Infinity, cfg.B)
	assert.Equal(t, Delay(2*time.Minute), cfg.C)

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(out), "b: infinity")

	err = yaml.Unmarshal([]byte("a: [1, 2]\n"), &cfg)
	assert.ErrorIs(t, err, ErrInvalidDelay)
}

func TestDelayJSON(t *testing.T) {
	var cfg struct {
		A Delay `json:"a"`
		B Delay `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 45, "b": "infinity"}`), &cfg))
	assert.Equal(t, Delay(45*time.Second), cfg.A)
	assert.Equal(t, Infinity, cfg.B)

	out, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": "45s", "b": "infinity"}`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"a": true}`), &cfg))
}

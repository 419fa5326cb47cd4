package bt

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Address
		wantErr string
	}{
		{"colon upper", "AA:BB:CC:DD:EE:01", Address{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01}, ""},
		{"dash lower", "c0-11-22-33-44-55", Address{0xC0, 0x11, 0x22, 0x33, 0x44, 0x55}, ""},
		{"surrounding space", "  00:00:00:00:00:01 ", Address{0, 0, 0, 0, 0, 1}, ""},
		{"too few octets", "AA:BB:CC", EmptyAddress, "expected 6 octets"},
		{"short octet", "A:BB:CC:DD:EE:01", EmptyAddress, "octet 0"},
		{"not hex", "ZZ:BB:CC:DD:EE:01", EmptyAddress, "invalid address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.input)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddress_Classification(t *testing.T) {
	assert.True(t, MustParseAddress("C0:11:22:33:44:55").IsStaticRandom())
	assert.False(t, MustParseAddress("C0:11:22:33:44:55").IsResolvablePrivate())
	assert.True(t, MustParseAddress("40:11:22:33:44:55").IsResolvablePrivate())
	assert.False(t, MustParseAddress("AA:BB:CC:DD:EE:01").IsStaticRandom())

	assert.True(t, EmptyAddress.IsEmpty())
	assert.False(t, EmptyAddress.IsValid())
	assert.False(t, MustParseAddress("FF:FF:FF:FF:FF:FF").IsValid())
	assert.True(t, MustParseAddress("AA:BB:CC:DD:EE:01").IsValid())
}

func TestNewStaticRandomAddress(t *testing.T) {
	for i := 0; i < 32; i++ {
		a, err := NewStaticRandomAddress()
		require.NoError(t, err)
		assert.True(t, a.IsStaticRandom(), "generated %s MUST be static random", a)
		assert.True(t, a.IsValid())
	}
}

func TestPeerKey_JSON(t *testing.T) {
	k := PeerKey{Type: AddrRandom, Addr: MustParseAddress("c0:11:22:33:44:55")}

	b, err := json.Marshal(k)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"random","address":"C0:11:22:33:44:55"}`, string(b))
	assert.Equal(t, "C0:11:22:33:44:55/random", k.String())

	var a Address
	require.NoError(t, json.Unmarshal([]byte(`"aa:bb:cc:dd:ee:01"`), &a))
	assert.Equal(t, MustParseAddress("AA:BB:CC:DD:EE:01"), a)
	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &a))
}

func TestError_Classification(t *testing.T) {
	err := fmt.Errorf("start: %w", NewError(CodeAlreadyStarted, "scan is running"))

	assert.ErrorIs(t, err, ErrAlreadyStarted)
	assert.NotErrorIs(t, err, ErrNotStarted)
	assert.Equal(t, CodeAlreadyStarted, CodeOf(err))
	assert.Equal(t, CodeInternal, CodeOf(fmt.Errorf("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, "already_started: scan is running", NewError(CodeAlreadyStarted, "scan is running").Error())

	radioErr := RadioError(OpSetScanEnable, StatusBusy)
	assert.Equal(t, CodeInternal, radioErr.Code)
	assert.Contains(t, radioErr.Error(), "LE Set Scan Enable")
}

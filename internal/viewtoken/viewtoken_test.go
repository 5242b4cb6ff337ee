package viewtoken

import (
	"bytes"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func newSigner(t *testing.T, key byte) *Signer {
	t.Helper()
	s, err := NewSigner(bytes.Repeat([]byte{key}, 32), time.Minute)
	require.NoError(t, err)
	return s
}

func TestSignVerify(t *testing.T) {
	s := newSigner(t, 1)
	raw, err := s.Sign(Claims{TeamID: "T1", UserID: "U1", ChannelID: "C1", CourseID: 304})
	require.NoError(t, err)

	c, err := s.Verify(raw)
	require.NoError(t, err)
	require.Equal(t, "T1", c.TeamID)
	require.Equal(t, "U1", c.UserID)
	require.Equal(t, "C1", c.ChannelID)
	require.Equal(t, int64(304), c.CourseID)
}

func TestVerifyRejects(t *testing.T) {
	s := newSigner(t, 1)
	raw, err := s.Sign(Claims{TeamID: "T1", UserID: "U1"})
	require.NoError(t, err)

	_, err = newSigner(t, 2).Verify(raw)
	require.ErrorIs(t, err, ErrInvalid, "wrong key")

	_, err = s.Verify(raw + "x")
	require.ErrorIs(t, err, ErrInvalid, "tampered")

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = s.Verify(raw)
	require.ErrorIs(t, err, ErrInvalid, "expired")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{TeamID: "T1", UserID: "U1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = newSigner(t, 1).Verify(unsigned)
	require.ErrorIs(t, err, ErrInvalid, "alg none")
}

func TestNewSignerKeyLength(t *testing.T) {
	_, err := NewSigner([]byte("short"), time.Minute)
	require.Error(t, err)
}

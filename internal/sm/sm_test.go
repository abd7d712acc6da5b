package sm

import (
	"bytes"
	"encoding/hex"
	"testing"
)

// RFC 4493 §4 AES-128 CMAC test vectors.
func TestCmacRFC4493Vectors(t *testing.T) {
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	msg := mustHex(t, "6bc1bee22e409f96e93d7e117393172a"+
		"ae2d8a571e03ac9c9eb76fac45af8e51"+
		"30c81c46a35ce411e5fbc1191a0a52ef"+
		"f69f2445df4f9b17ad2b417be66c3710")

	cases := []struct {
		name string
		mlen int
		want string
	}{
		{"Mlen=0", 0, "bb1d6929e95937287fa37d129b756746"},
		{"Mlen=16", 16, "070a16b46b4d4144f79bdd9dd04a287c"},
		{"Mlen=40", 40, "dfa66747de9ae63030ca32611497c827"},
		{"Mlen=64", 64, "51f0bebf7e3b9d92fc49741779363cfe"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := cmac(key, msg[:c.mlen])
			if err != nil {
				t.Fatal(err)
			}
			want := mustHex(t, c.want)
			if !bytes.Equal(got[:], want) {
				t.Errorf("got %x, want %x", got, want)
			}
		})
	}
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex literal %q: %v", s, err)
	}
	return b
}

func TestUpdateSessionKeyCollapsesNwkSKey(t *testing.T) {
	m := NewMock()
	var appKey [16]byte
	m.SetKey(AppKey, appKey)

	var iv [16]byte
	iv[0] = 0x01
	if err := m.UpdateSessionKey(NwkSKey, AppKey, iv); err != nil {
		t.Fatal(err)
	}

	nwkSKey, err := m.key(NwkSKey)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range []KeyDescriptor{FNwkSIntKey, SNwkSIntKey, NwkSEncKey} {
		k, err := m.key(d)
		if err != nil {
			t.Fatalf("descriptor %d not set after collapse: %v", d, err)
		}
		if *k != *nwkSKey {
			t.Errorf("descriptor %d does not mirror NwkSKey", d)
		}
	}
}

func TestCTRRoundTrip(t *testing.T) {
	m := NewMock()
	var key [16]byte
	copy(key[:], []byte("0123456789abcdef"))
	m.SetKey(AppSKey, key)

	plain := []byte("hello world, this spans more than one AES block!!")
	buf := append([]byte{}, plain...)

	var iv [16]byte
	iv[0] = 0x42
	if err := m.CTR(AppSKey, iv, buf); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(buf, plain) {
		t.Fatalf("CTR did not change the plaintext")
	}

	iv2 := iv
	if err := m.CTR(AppSKey, iv2, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, plain) {
		t.Fatalf("CTR decrypt did not recover plaintext: got %q", buf)
	}
}

func TestMICUnknownKeyDescriptor(t *testing.T) {
	m := NewMock()
	if _, err := m.MIC(AppKey, nil, nil); err == nil {
		t.Fatalf("expected error for unset key descriptor")
	}
}

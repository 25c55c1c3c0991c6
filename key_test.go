package bcs_test

import (
	"bytes"
	"strings"
	"testing"

	. "github.com/bobg/bcs"
)

func TestKeyOf(t *testing.T) {
	cases := []struct {
		ks   KeyStrategy
		in   string
		want Key
	}{
		{ks: SHA256, in: "hello world", want: "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
		{ks: SHA256, in: "", want: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{ks: BLAKE2b256, in: "", want: "0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8"},
	}
	for _, c := range cases {
		t.Run(c.ks.Name()+"/"+c.in, func(t *testing.T) {
			got := KeyOf(c.ks, []byte(c.in))
			if got != c.want {
				t.Errorf("got %s, want %s", got, c.want)
			}
			if !c.ks.Valid(got) {
				t.Errorf("%s not valid under %s", got, c.ks.Name())
			}

			got2, n, err := ComputeKey(c.ks, strings.NewReader(c.in))
			if err != nil {
				t.Fatal(err)
			}
			if got2 != c.want {
				t.Errorf("ComputeKey got %s, want %s", got2, c.want)
			}
			if n != int64(len(c.in)) {
				t.Errorf("ComputeKey counted %d bytes, want %d", n, len(c.in))
			}
		})
	}
}

func TestKeyWriterChunks(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefghij"), 1000)
	w := NewKeyWriter(nil)
	for i := 0; i < len(data); i += 7 {
		end := i + 7
		if end > len(data) {
			end = len(data)
		}
		w.Write(data[i:end])
	}
	if got, want := w.Key(), KeyOf(SHA256, data); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
	if w.N() != int64(len(data)) {
		t.Errorf("got %d bytes, want %d", w.N(), len(data))
	}
}

func TestKeyValid(t *testing.T) {
	cases := []struct {
		k    Key
		want bool
	}{
		{k: "", want: false},
		{k: "abc", want: false},
		{k: "ab", want: true},
		{k: "AB", want: false},
		{k: "zz", want: false},
		{k: "../", want: false},
	}
	for _, c := range cases {
		if got := c.k.Valid(); got != c.want {
			t.Errorf("Key(%q).Valid() = %v, want %v", c.k, got, c.want)
		}
	}

	if SHA256.Valid("ab") {
		t.Error("two-character key valid under sha256")
	}
}

func TestKeyFromHex(t *testing.T) {
	k, err := KeyFromHex(" B94D27B9934D3E08A52E52D7DA7DABFAC484EFE37A5380EE9088F7ACE2EFCDE9\n")
	if err != nil {
		t.Fatal(err)
	}
	if k != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Errorf("got %s", k)
	}
	if _, err := KeyFromHex("xyz"); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestKeyStrategyByName(t *testing.T) {
	for _, name := range []string{"", "sha256", "SHA256", "blake2b-256"} {
		if _, err := KeyStrategyByName(name); err != nil {
			t.Errorf("%q: %s", name, err)
		}
	}
	if _, err := KeyStrategyByName("md5"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestDigest(t *testing.T) {
	got := Digest(SHA256, "abcd")
	if got != "sha256:abcd" {
		t.Errorf("got %s, want sha256:abcd", got)
	}
}

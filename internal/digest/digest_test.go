package digest_test

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"anvil/internal/digest"
)

var payload = []byte("anvil artifact payload\n")

func hexSum(t *testing.T, alg digest.Algorithm, data []byte) string {
	t.Helper()
	h, err := alg.New()
	if err != nil {
		t.Fatalf("digest %s: %v", alg, err)
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func expectedFor(t *testing.T, alg digest.Algorithm, data []byte) digest.Expected {
	t.Helper()
	exp, err := digest.NewExpected(string(alg), hexSum(t, alg, data))
	if err != nil {
		t.Fatalf("NewExpected: %v", err)
	}
	return exp
}

func TestKnownVectors(t *testing.T) {
	tests := []struct {
		alg  digest.Algorithm
		want string
	}{
		{digest.MD5, "900150983cd24fb0d6963f7d28e17f72"},
		{digest.SHA1, "a9993e364706816aba3e25717850c26c9cd0d89d"},
		{digest.SHA256, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{digest.SHA3_256, "3a985da74fe225b2045c172d6bd390bd855f086e3e9d525b46bfe24511431532"},
		{digest.BLAKE3, "6437b3ac38465133ffb63b75273a8db548c558465d79db03fd359c6cd5bd9d85"},
	}
	for _, tt := range tests {
		if got := hexSum(t, tt.alg, []byte("abc")); got != tt.want {
			t.Fatalf("%s(abc) = %s, want %s", tt.alg, got, tt.want)
		}
	}
}

func TestParseAlgorithmAliases(t *testing.T) {
	for input, want := range map[string]digest.Algorithm{
		"SHA-256":  digest.SHA256,
		"sha3_256": digest.SHA3_256,
		" b3 ":     digest.BLAKE3,
	} {
		got, err := digest.ParseAlgorithm(input)
		if err != nil || got != want {
			t.Fatalf("ParseAlgorithm(%q) = %q, %v; want %q", input, got, err, want)
		}
	}
	if _, err := digest.ParseAlgorithm("crc32"); !errors.Is(err, digest.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestNewExpectedRejectsWrongLength(t *testing.T) {
	if _, err := digest.NewExpected("sha256", "abcd"); err == nil {
		t.Fatal("expected length error")
	}
	if _, err := digest.NewExpected("sha1", "zz"); err == nil {
		t.Fatal("expected hex error")
	}
}

func TestVerifierCrossChecksEveryFamily(t *testing.T) {
	var expected []digest.Expected
	for _, alg := range digest.Algorithms {
		expected = append(expected, expectedFor(t, alg, payload))
	}
	v, err := digest.NewVerifier(expected)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	v.Write(payload[:5])
	v.Write(payload[5:])
	if m := v.Check(); m != nil {
		t.Fatalf("unexpected mismatch: %+v", m)
	}
	if v.Written() != int64(len(payload)) {
		t.Fatalf("written = %d", v.Written())
	}
}

func TestVerifyFileDetectsSingleFlippedByte(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.jar")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	expected := []digest.Expected{expectedFor(t, digest.SHA256, payload), expectedFor(t, digest.BLAKE3, payload)}

	m, err := digest.VerifyFile(path, expected)
	if err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
	if m != nil {
		t.Fatalf("untouched file reported mismatch: %+v", m)
	}

	flipped := append([]byte(nil), payload...)
	flipped[3] ^= 0x01
	if err := os.WriteFile(path, flipped, 0o644); err != nil {
		t.Fatal(err)
	}
	m, err = digest.VerifyFile(path, expected)
	if err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
	if m == nil {
		t.Fatal("expected mismatch for flipped byte")
	}
	if m.Algorithm != digest.SHA256 || m.Expected == m.Actual {
		t.Fatalf("unexpected mismatch detail: %+v", m)
	}
}

func TestVerifierRejectsConflictingDeclarations(t *testing.T) {
	a := expectedFor(t, digest.SHA256, payload)
	b := expectedFor(t, digest.SHA256, []byte("other"))
	if _, err := digest.NewVerifier([]digest.Expected{a, b}); err == nil {
		t.Fatal("expected conflict error")
	}
	if _, err := digest.NewVerifier(nil); err == nil {
		t.Fatal("expected error for empty declaration")
	}
}

func TestVerifierReset(t *testing.T) {
	v, err := digest.NewVerifier([]digest.Expected{expectedFor(t, digest.SHA512, payload)})
	if err != nil {
		t.Fatal(err)
	}
	v.Write([]byte("garbage"))
	v.Reset()
	v.Write(payload)
	if m := v.Check(); m != nil {
		t.Fatalf("expected match after reset, got %+v", m)
	}
}

func TestVerifierAlgorithmsAndLegacyFamilies(t *testing.T) {
	v, err := digest.NewVerifier([]digest.Expected{
		expectedFor(t, digest.SHA1, payload),
		expectedFor(t, digest.MD5, payload),
		expectedFor(t, digest.SHA1, payload),
	})
	if err != nil {
		t.Fatal(err)
	}
	algs := v.Algorithms()
	if len(algs) != 2 || algs[0] != digest.MD5 || algs[1] != digest.SHA1 {
		t.Fatalf("Algorithms = %v", algs)
	}
	for _, alg := range algs {
		if !alg.Legacy() {
			t.Fatalf("%s should be legacy", alg)
		}
	}
	for _, alg := range []digest.Algorithm{digest.SHA256, digest.SHA512, digest.SHA3_256, digest.BLAKE3} {
		if alg.Legacy() {
			t.Fatalf("%s should not be legacy", alg)
		}
	}
}

package fetch

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"anvil/internal/digest"
	"anvil/internal/manifest"
)

var errStream = errors.New("stream interrupted")

// download owns the response body, the partial file, and the digest
// accumulator for one attempt. release frees all three together.
type download struct {
	ref      manifest.ArtifactRef
	resp     *http.Response
	file     *os.File
	verifier *digest.Verifier
	part     string
	released bool
}

// openDownload starts an attempt. The verifier is shared across attempts and
// reset here so each one hashes only its own bytes.
func openDownload(resp *http.Response, ref manifest.ArtifactRef, verifier *digest.Verifier) (*download, error) {
	verifier.Reset()
	part := ref.LocalPath + partSuffix
	file, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: create partial file: %w", ref.Name, err)
	}
	return &download{ref: ref, resp: resp, file: file, verifier: verifier, part: part}, nil
}

// run streams the body, verifies it, and publishes the file. Every exit path
// releases the download; only a verified file survives.
func (d *download) run() (Verified, error) {
	keep := false
	defer func() { d.release(keep) }()

	written, err := io.Copy(io.MultiWriter(d.file, d.verifier), d.resp.Body)
	if err != nil {
		return Verified{}, fmt.Errorf("%w: %w", errStream, err)
	}
	if d.resp.ContentLength >= 0 && written != d.resp.ContentLength {
		return Verified{}, fmt.Errorf("%w: received %d of %d bytes", errStream, written, d.resp.ContentLength)
	}
	if err := d.file.Sync(); err != nil {
		return Verified{}, fmt.Errorf("fetch %s: sync partial file: %w", d.ref.Name, err)
	}
	if m := d.verifier.Check(); m != nil {
		return Verified{}, &DigestMismatchError{
			Artifact:  d.ref.Name,
			Algorithm: m.Algorithm,
			Expected:  m.Expected,
			Actual:    m.Actual,
		}
	}
	if err := d.closeHandles(); err != nil {
		return Verified{}, fmt.Errorf("fetch %s: close partial file: %w", d.ref.Name, err)
	}
	if err := os.Rename(d.part, d.ref.LocalPath); err != nil {
		return Verified{}, fmt.Errorf("fetch %s: publish file: %w", d.ref.Name, err)
	}
	keep = true
	return Verified{
		Ref:  d.ref,
		Path: d.ref.LocalPath,
		Size: written,
		Sums: d.verifier.Sums(),
	}, nil
}

func (d *download) closeHandles() error {
	d.released = true
	_ = d.resp.Body.Close()
	return d.file.Close()
}

func (d *download) release(keep bool) {
	if !d.released {
		_ = d.closeHandles()
	}
	if !keep {
		_ = os.Remove(d.part)
	}
}

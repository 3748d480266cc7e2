//go:build !linux

package buildcache

import "errors"

func exchange(string, string) error {
	return errors.New("atomic exchange unsupported")
}

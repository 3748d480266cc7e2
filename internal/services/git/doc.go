// Package git drives the git CLI for anvil's working trees and the patch
// repository checkout.
//
// Every command targets an explicit directory through "git -C <dir>"; there is
// no ambient working directory. Execution goes through a Runner so tests can
// observe or replace the subprocess.
package git

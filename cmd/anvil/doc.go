// Command anvil builds server artifacts from upstream binaries and patch
// repositories, and exposes the individual pipeline steps (manifest
// resolution, fetching, patching, cache maintenance) for inspection.
package main

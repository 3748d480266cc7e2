// Package toolchain drives the external decompiler and compiler/remapper.
//
// Both tools are configured as command templates. A template is split on
// whitespace first and placeholders ({input}, {sources}, {classpath},
// {mapping}, {output}) are substituted afterwards, so substituted paths stay
// single arguments even when they contain spaces. Tool output is streamed to
// the logger line by line and kept verbatim as diagnostics; it is never
// parsed for meaning.
package toolchain

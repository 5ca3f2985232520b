// Package testutil provides fixtures and helpers shared by the tests of the
// authorization server: a controllable clock, random strings, PKCE pairs,
// client and token fixtures, a cheap secret hasher and a small HTTP request
// builder.
package testutil

// Package util holds small helpers shared by the server and storage packages:
// log-safe truncation of credentials and stable hashing of opaque tokens.
package util

// Package token mints and verifies the credentials handed to clients.
//
// Access tokens are HS256 JWTs carrying sub, exp, iat, nbf, jti, scope,
// client_id and iss. Every verified token is also checked against a
// RevocationChecker, so a jti that the server never recorded, or has since
// revoked, is rejected even while its signature and expiry are fine.
//
// Refresh tokens, authorization codes and personal access tokens are opaque
// random strings produced by IssueOpaque.
package token

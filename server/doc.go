// Package server implements the core OAuth 2.0 authorization server logic.
//
// The Server type authenticates clients and dispatches token requests to one
// handler per grant type:
//   - authorization_code with PKCE (RFC 7636), single use under concurrency
//   - client_credentials for confidential clients
//   - password, when a UserAuthenticator is configured
//   - refresh_token with rotation and replay detection
//
// It also issues authorization codes, introspects (RFC 7662) and revokes
// (RFC 7009) tokens, registers clients and issues personal access tokens.
// Storage sits behind the ports of the storage package; the HTTP surface
// lives in the root package.
//
// Every error leaving Token and Authorize is an *OAuthError. Domain errors
// such as ErrInvalidGrant are mapped with ToOAuthError, which never puts
// secrets or full tokens in the description.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	config := &server.Config{
//	    Issuer:     "https://auth.example.com",
//	    SigningKey: key,
//	}
//
//	srv, err := server.New(store, store, store, config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server

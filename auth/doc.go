// Package auth resolves the principal behind an MCP request.
//
// An Authenticator verifies a bearer credential and returns a UserInfo. The
// package ships several: NewAccountService asks a remote account service,
// NewFromDiscovery and NewFromJWKS validate JWT
// access tokens, and the tokenfile subpackage serves a static token list.
//
// A Resolver sits in front of an Authenticator and owns the HTTP-facing
// rules: the "Bearer" scheme is stripped case-insensitively, a missing
// credential is rejected without calling the Authenticator, and every
// failure collapses to ErrUnauthorized.
//
//	authn, err := auth.NewAccountService("https://accounts.example/v1/me")
//	if err != nil { log.Fatal(err) }
//	res := auth.NewResolver(authn)
//
//	ui, err := res.Resolve(r.Context(), r.Header.Get("Authorization"))
//	if errors.Is(err, auth.ErrUnauthorized) { /* 401 */ }
package auth

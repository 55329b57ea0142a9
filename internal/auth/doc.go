// Package auth verifies dashboard access tokens.
//
// Tokens are HS256 JWTs issued by the external account service and signed
// with the shared secret configured as security.dashboard_token_secret.
// RobotLink Core only verifies them; it never issues tokens.
package auth

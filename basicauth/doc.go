// Package basicauth is an ext_proc filter that enforces HTTP Basic Authentication (RFC 7617) in front of upstream
// services.
//
// For every request the filter reads the Authorization header, decodes the "user:password" pair and checks it
// against a table of users. Accepted requests continue upstream with the X-Authenticated-User and
// X-Authenticated-Roles headers set. Everything else is answered by Envoy with a 401 and a WWW-Authenticate
// challenge for the configured realm.
//
// The user table is read-only configuration. It is loaded from a YAML file and can be swapped at runtime with
// [Authenticator.SetUsers], which is what [Watcher] does when the file changes.
package basicauth

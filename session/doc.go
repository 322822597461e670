// Package session tracks the sessions served by the sandbox daemon.
//
// # Overview
//
// A session is one caller's ongoing piece of work: a workspace directory on
// the host, at most one sandbox container and at most one running task.
// Sessions are created on the first task request and live until they are
// closed explicitly or sit idle past the configured timeout.
//
// # Lifecycle
//
//  1. Create: the first task for an unknown session id registers it with
//     status provisioning and records the creating user as its owner.
//  2. Run: once the container passes its health check the session is
//     running; it returns to idle whenever its task ends.
//  3. Close: an explicit close or the idle Sweeper stops the container and
//     marks the session stopped. Stopped sessions are dropped from the
//     Registry.
//
// # Workspaces
//
// DirWorkspaces resolves a session to <root>/<session-id>, creating the
// directory (and optionally an empty git repository) on first use.
// Session ids are validated so they are always safe to use as a single
// path element.
//
// # Credentials
//
// EnvCredentials hands every session the repository token found in an
// environment variable. Deployments with per-session credential issuance
// provide their own container.CredentialSource.
package session

// Package relay implements a websocket relay between a trusted backend
// application and browser sessions.
//
// Server
//
// The Server struct defines a relay server. In its simplest form, the
// following initializes a ready-to-use server:
//
//     server := &relay.Server{
//       Backend: &httpbackend.Client{Host: "localhost", ServiceKey: key},
//     }
//
// That is, only the backend must be set for the server to authenticate
// its sessions. The backend is typically an httpbackend.Client, although
// it can be any value that implements backend.Authenticator.
//
// Sessions authenticate with a token that the backend resolves to a user
// id and a set of channels. The backend then pushes messages to channels,
// users or token channels through the Server's methods, usually exposed
// over HTTP by the admin package.
//
// The ServeConn method serves a connection using a configured Server.
// The Upgrade function creates an http.Handler that upgrades the
// connection to a websocket connection, and serves it using the
// provided Server.
package relay

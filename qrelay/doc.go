// Package qrelay implements a SOCKS5 relay that lets browser game clients,
// which cannot open raw sockets, reach UDP and TCP game endpoints through
// WebSocket connections.
//
// Clients speak SOCKS5 over raw TCP or over a WebSocket. UDP-ASSOCIATE
// binds a real UDP socket per virtual destination port and exposes it to
// WebSocket peers through an embedded bridge; CONNECT relays a payload
// through that socket; the WS-tunnel command (0x04) forwards traffic to a
// remote relay over a shared outbound WebSocket.
//
// Basic usage:
//
//	import "github.com/xquakejs/qrelay/qrelay"
//
//	// Create a server with default options
//	server := qrelay.NewServer(qrelay.DefaultServerOption().
//		WithSocksAddr("0.0.0.0:1081").
//		WithWSAddr("0.0.0.0:8081"))
//
//	// Start the server
//	if err := server.Serve(context.Background()); err != nil {
//		log.Fatal(err)
//	}
package qrelay

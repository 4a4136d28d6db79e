// Package proxy implements the proxy-ify listener: admission under a
// connection ceiling, the per-connection dispatcher, CONNECT tunnel
// establishment and the forward path that relays plain HTTP requests.
//
// Each accepted connection carries exactly one request. CONNECT requests
// become tunnels tracked in a tunnel.Registry until either side closes; any
// other method is sent to the origin and the response is re-serialized onto
// the client socket.
package proxy

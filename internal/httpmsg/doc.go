// Package httpmsg holds the decoded request and response types used by the
// proxy, the request decoder and the serializer that writes origin responses
// back onto client sockets.
package httpmsg

// Package client is the consumer side of an aipim gateway.
//
// # Overview
//
// A Client is bound to one gateway URL, API name and version. It enrolls
// key material at the ingress endpoint and calls declared endpoints with the
// three authentication headers:
//
//   - X-Aipim-Client: the client id
//   - X-Aipim-Key: the access key returned by enrollment
//   - X-Aipim: the access key encrypted with the client's public certificate
//
// Every successful response must carry X-Aipim-Signature, which is checked
// against the client's public certificate before the body is returned.
//
// # Usage
//
//	c, _ := client.New("https://gw.example.com", "orders", "1.0.0")
//	key, _ := c.Enroll(ctx, client.EnrollRequest{ClientID: "acme", PrivatePEM: priv, PublicPEM: pub})
//	// an administrator authorizes "acme"
//	resp, _ := c.Get(ctx, client.Credentials{ClientID: "acme", AccessKey: key, PublicPEM: pub}, "list")
//
// Gateway errors are returned as *APIError; use StatusOf to read the status.
package client

// Package rpc provides the client transport for a Lotus node's JSON-RPC 2.0 API.
//
// Two connectors implement the Connector interface:
//
//   - HTTPConnector posts every request on its own and cannot receive pushes.
//   - WebsocketConnector keeps one socket, queues requests made before it is
//     open, correlates responses by id and routes push frames to channel
//     callbacks. It also implements Subscribable.
//
// NewConnector picks the connector from the endpoint scheme. Call is the
// usual entry point for typed requests:
//
//	var head struct{ Height int64 }
//	if err := rpc.Call(ctx, conn, &head, "Filecoin.ChainHead"); err != nil {
//	    return err
//	}
//
// Errors fall into four kinds: *ConnectionError for transport failures,
// *ResponseError for non-2xx HTTP statuses, *RPCError for error objects sent
// by the node and *ProtocolError for frames that match no known shape.
// Connectors never reconnect on their own; observers of EventDisconnected
// decide whether to call Connect again and re-subscribe.
package rpc

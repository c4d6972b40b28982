// Package rudp implements reliable messaging over UDP.
//
// A Connection carries two kinds of traffic to one peer: unreliable
// datagrams, which may be lost, duplicated or reordered, and reliable
// messages, which are retransmitted with exponential backoff until the peer
// acknowledges them and are delivered to the application at most once.
// Reliable messages are not ordered.
//
// # Getting Started
//
// Accept connections with a Listener:
//
//	ln, err := rudp.Listen(":7777", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ln.Close()
//
//	ln.OnNewConnection(func(conn *rudp.Connection, hello []byte) {
//	    conn.OnDataReceived(func(payload []byte, r rudp.Reliability) {
//	        _ = conn.Send(payload, r) // echo
//	    })
//	})
//
// Connect with Dial:
//
//	conn, err := rudp.Dial(ctx, "127.0.0.1:7777", nil, []byte("hi"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	conn.OnDisconnected(func(reason error) {
//	    log.Printf("disconnected: %v", reason)
//	})
//	err = conn.Send([]byte("hello"), rudp.Reliable)
//
// # Lifecycle
//
// Connect moves a connection from NotConnected to Connecting and sends a
// reliable hello; the hello's acknowledgement moves it to Connected. Any
// failure (an exhausted resend budget, a transport error, a disconnect
// message from the peer, or a local Disconnect) tears the connection down
// exactly once. OnDisconnected fires only for connections that reached
// Connected; a failed Connect reports its error to the caller instead.
//
// Connections are single use. After teardown, Connect returns
// ErrInvalidOperation.
//
// # Retransmission
//
// A reliable packet is first resent after Options.ResendTimeout (200ms by
// default). Every later resend waits twice as long as the one before. When a
// packet has been resent Options.ResendsBeforeDisconnect times (3 by
// default) and is still unacknowledged, the connection is presumed dead.
//
// # Packet ids
//
// Reliable packet ids are 16-bit and allocated sequentially, skipping ids
// still in flight. The receive side tracks the highest id seen and the set
// of gaps below it. It does not handle sequence wraparound, so a session
// that sends more than 65535 reliable packets may see later packets
// discarded as duplicates.
//
// # Logging and metrics
//
// Logs go to Options.Logger (the logrus standard logger by default) with
// conn_id and remote fields. Set Options.Metrics to a metrics.Collector to
// export Prometheus counters.
package rudp

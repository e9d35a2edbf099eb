package oscontrol

import "net"

// Sender is a single pooled UDP socket used to address every client and
// plugin endpoint, rather than one socket per endpoint.
type Sender struct {
	conn *net.UDPConn
}

// NewSender opens an ephemeral outbound UDP socket.
func NewSender() (*Sender, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		return nil, err
	}
	return &Sender{conn: conn}, nil
}

// SendTo addresses msg to 127.0.0.1:port. Failures are the caller's to
// log; there is no retry.
func (s *Sender) SendTo(port int, msg Message) error {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
	_, err := s.conn.WriteToUDP(Encode(msg), addr)
	return err
}

// Close releases the underlying socket.
func (s *Sender) Close() error {
	return s.conn.Close()
}

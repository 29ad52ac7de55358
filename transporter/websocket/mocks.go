package websocket

import (
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/takenet/lime-go/logger"
)

// MockWebsocketServer echoes every frame back and exposes the raw payloads
type MockWebsocketServer struct {
	logger   *logger.Logger
	listener net.Listener

	Addr          string
	ReceivedBytes chan []byte
}

func NewMockWebsocketServer(logger *logger.Logger) *MockWebsocketServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Errorf("failed to setup listener")
	}

	mockServer := &MockWebsocketServer{
		logger:        logger,
		listener:      listener,
		Addr:          fmt.Sprintf("ws://127.0.0.1:%d", listener.Addr().(*net.TCPAddr).Port),
		ReceivedBytes: make(chan []byte, 16),
	}

	go func() {
		http.Serve(mockServer.listener, mockServer)
	}()

	return mockServer
}

func (m *MockWebsocketServer) Shutdown() {
	m.listener.Close()
}

func (m *MockWebsocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Errorf("Error during connection upgradation: %s", err)
		return
	}
	defer conn.Close()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			m.logger.Debugf("Mock server stopped reading: %s", err)
			break
		}

		m.ReceivedBytes <- message

		if err = conn.WriteMessage(messageType, message); err != nil {
			m.logger.Errorf("Error during message writing: %s", err)
			break
		}
	}
}

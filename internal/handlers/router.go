package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pliu/peerchat/internal/middleware"
	"go.uber.org/zap"
)

// Wire paths of a hosted chat.
const (
	PathPing        = "/ping"
	PathGetChat     = "/chat/getChat"
	PathNewMessages = "/chat/getNewMessages"
	PathSendMessage = "/chat/sendMessage"
	PathPushChannel = "/chat/ws"
	PathPublicKey   = "/security/publickey"
)

// NewRouter routes the wire contract to h. Panics are left to the
// listener serving the router.
func NewRouter(h *ChatHandler, log *zap.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(log))

	r.HandleFunc(PathPing, h.Ping).Methods(http.MethodGet)
	r.HandleFunc(PathGetChat, h.GetChat).Methods(http.MethodGet)
	r.HandleFunc(PathNewMessages, h.GetNewMessages).Methods(http.MethodGet)
	r.HandleFunc(PathSendMessage, h.SendMessage).Methods(http.MethodPost)
	r.HandleFunc(PathPushChannel, h.PushChannel).Methods(http.MethodGet)
	r.HandleFunc(PathPublicKey, h.GetPublicKey).Methods(http.MethodGet)
	r.HandleFunc(PathPublicKey, h.RegisterPublicKey).Methods(http.MethodPost)
	return r
}

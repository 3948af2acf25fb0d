// Package testsupport runs an in-process stand-in for the study-garden
// backend: the REST collaborators the lobby machine calls plus a websocket
// endpoint that answers liveness pings and pushes lobby, chat, wallet and
// game events to connected members. Integration tests drive real clients
// against it.
package testsupport

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type LobbyRecord struct {
	Code      string    `json:"code"`
	Host      string    `json:"host"`
	Users     []string  `json:"users"`
	CreatedAt time.Time `json:"created_at"`
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

type Backend struct {
	jwtSecret string
	engine    *gin.Engine
	server    *httptest.Server

	mu        sync.Mutex
	lobbies   map[string]*LobbyRecord
	conns     map[string][]*wsConn
	balances  map[string]int64
	inventory map[string]map[string]int
}

func New(jwtSecret string) *Backend {
	gin.SetMode(gin.TestMode)
	b := &Backend{
		jwtSecret: jwtSecret,
		lobbies:   make(map[string]*LobbyRecord),
		conns:     make(map[string][]*wsConn),
		balances:  make(map[string]int64),
		inventory: make(map[string]map[string]int),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	apiGroup := engine.Group("/api/v1")
	apiGroup.GET("/ws", b.handleWS)

	authed := apiGroup.Group("")
	authed.Use(b.requireAuth())
	authed.POST("/lobby", b.createLobby)
	authed.POST("/lobby/:code/join", b.joinLobby)
	authed.POST("/lobby/:code/leave", b.leaveLobby)
	authed.DELETE("/lobby/:code", b.endLobby)
	authed.GET("/lobby/:code", b.lobbyStatus)
	authed.GET("/lobby/:code/health", b.lobbyHealth)
	authed.POST("/wallet/spend", b.spendWallet)
	authed.POST("/garden/place", b.placeStructure)

	b.engine = engine
	b.server = httptest.NewServer(engine)
	return b
}

func (b *Backend) Close() {
	b.mu.Lock()
	for _, conns := range b.conns {
		for _, c := range conns {
			c.conn.Close()
		}
	}
	b.conns = make(map[string][]*wsConn)
	b.mu.Unlock()
	b.server.Close()
}

// URL is the REST base URL.
func (b *Backend) URL() string {
	return b.server.URL
}

// WSURL is the websocket endpoint.
func (b *Backend) WSURL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/api/v1/ws"
}

// Token issues a signed JWT for userID the way the real backend does.
func (b *Backend) Token(userID string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(b.jwtSecret))
	if err != nil {
		panic(err)
	}
	return signed
}

func (b *Backend) parseToken(tokenString string) (string, bool) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return []byte(b.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return "", false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}
	userID, ok := claims["user_id"].(string)
	return userID, ok && userID != ""
}

func (b *Backend) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := b.parseToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid token"})
			return
		}
		c.Set("userID", userID)
	}
}

const codeCharset = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

func randCode(length int) string {
	code := make([]byte, length)
	for i := range code {
		code[i] = codeCharset[rand.Intn(len(codeCharset))]
	}
	return string(code)
}

func (b *Backend) createLobby(c *gin.Context) {
	userID := c.GetString("userID")

	b.mu.Lock()
	code := randCode(6)
	for b.lobbies[code] != nil {
		code = randCode(6)
	}
	lb := &LobbyRecord{Code: code, Host: userID, Users: []string{userID}, CreatedAt: time.Now()}
	b.lobbies[code] = lb
	b.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"success": true, "lobby": lb})
}

func (b *Backend) joinLobby(c *gin.Context) {
	userID := c.GetString("userID")
	code := c.Param("code")

	b.mu.Lock()
	lb := b.lobbies[code]
	if lb == nil {
		b.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"success": false, "code": "lobby_not_found", "error": "Lobby not found"})
		return
	}
	member := false
	for _, u := range lb.Users {
		if u == userID {
			member = true
		}
	}
	if !member {
		lb.Users = append(lb.Users, userID)
	}
	snapshot := *lb
	snapshot.Users = append([]string(nil), lb.Users...)
	b.mu.Unlock()

	b.broadcastLobby("join", &snapshot, userID)
	c.JSON(http.StatusOK, gin.H{"success": true, "lobby": snapshot})
}

func (b *Backend) leaveLobby(c *gin.Context) {
	userID := c.GetString("userID")
	code := c.Param("code")

	b.mu.Lock()
	lb := b.lobbies[code]
	if lb == nil {
		b.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"success": false, "code": "lobby_not_found", "error": "Lobby not found"})
		return
	}
	found := false
	users := lb.Users[:0]
	for _, u := range lb.Users {
		if u == userID {
			found = true
			continue
		}
		users = append(users, u)
	}
	lb.Users = users
	snapshot := *lb
	snapshot.Users = append([]string(nil), lb.Users...)
	b.mu.Unlock()

	if !found {
		c.JSON(http.StatusOK, gin.H{"success": false, "code": "not_a_member", "error": "Not a member of this lobby"})
		return
	}

	b.broadcastLobby("leave", &snapshot, userID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (b *Backend) endLobby(c *gin.Context) {
	userID := c.GetString("userID")
	code := c.Param("code")

	b.mu.Lock()
	lb := b.lobbies[code]
	if lb == nil {
		b.mu.Unlock()
		c.JSON(http.StatusGone, gin.H{"success": false, "code": "lobby_gone", "error": "Lobby is gone"})
		return
	}
	if lb.Host != userID {
		b.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "Only the host can end the lobby"})
		return
	}
	snapshot := *lb
	snapshot.Users = append([]string(nil), lb.Users...)
	delete(b.lobbies, code)
	b.mu.Unlock()

	b.broadcastLobby("disband", &snapshot, userID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (b *Backend) lobbyStatus(c *gin.Context) {
	code := c.Param("code")

	b.mu.Lock()
	lb := b.lobbies[code]
	var snapshot LobbyRecord
	if lb != nil {
		snapshot = *lb
		snapshot.Users = append([]string(nil), lb.Users...)
	}
	b.mu.Unlock()

	if lb == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "code": "lobby_not_found", "error": "Lobby not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "lobby": snapshot})
}

func (b *Backend) lobbyHealth(c *gin.Context) {
	code := c.Param("code")

	b.mu.Lock()
	_, ok := b.lobbies[code]
	b.mu.Unlock()

	if !ok {
		c.JSON(http.StatusGone, gin.H{"success": false, "code": "lobby_gone", "error": "Lobby is gone"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (b *Backend) spendWallet(c *gin.Context) {
	userID := c.GetString("userID")
	var req struct {
		Amount int64  `json:"amount"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Amount <= 0 {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "invalid amount"})
		return
	}

	b.mu.Lock()
	balance := b.balances[userID]
	if balance < req.Amount {
		b.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "Insufficient funds"})
		return
	}
	b.balances[userID] = balance - req.Amount
	newBalance := b.balances[userID]
	b.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"success": true, "balance": newBalance})
}

func (b *Backend) placeStructure(c *gin.Context) {
	userID := c.GetString("userID")
	var req struct {
		Slot        string `json:"slot"`
		StructureID string `json:"structure_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.StructureID == "" {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "invalid placement"})
		return
	}

	b.mu.Lock()
	counts := b.inventory[userID]
	if counts == nil || counts[req.StructureID] <= 0 {
		b.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "Structure not in inventory"})
		return
	}
	counts[req.StructureID]--
	remaining := counts[req.StructureID]
	b.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"success": true, "remaining": remaining})
}

func (b *Backend) handleWS(c *gin.Context) {
	userID, ok := b.parseToken(c.Query("token"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	wc := &wsConn{conn: conn}

	b.mu.Lock()
	b.conns[userID] = append(b.conns[userID], wc)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		conns := b.conns[userID]
		for i, cc := range conns {
			if cc == wc {
				b.conns[userID] = append(conns[:i], conns[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		switch msg["type"] {
		case "ping":
			wc.writeJSON(map[string]any{"type": "pong", "connections": b.connectionCount()})
		case "chat_message":
			// Relay chat to every member of the lobby, sender included.
			code, _ := msg["lobby_code"].(string)
			b.broadcastToLobby(code, msg)
		}
	}
}

func (b *Backend) connectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, conns := range b.conns {
		n += len(conns)
	}
	return n
}

func (b *Backend) broadcastLobby(action string, lb *LobbyRecord, actorID string) {
	event := map[string]any{
		"type":       "lobby",
		"action":     action,
		"lobby_code": lb.Code,
		"user_id":    actorID,
		"users":      lb.Users,
		"timestamp":  time.Now(),
	}
	recipients := lb.Users
	if action == "leave" || action == "disband" {
		recipients = append(append([]string(nil), lb.Users...), actorID)
	}
	b.pushTo(recipients, event)
}

func (b *Backend) broadcastToLobby(code string, event map[string]any) {
	b.mu.Lock()
	lb := b.lobbies[code]
	var users []string
	if lb != nil {
		users = append([]string(nil), lb.Users...)
	}
	b.mu.Unlock()
	b.pushTo(users, event)
}

func (b *Backend) pushTo(users []string, event map[string]any) {
	b.mu.Lock()
	var targets []*wsConn
	for _, u := range users {
		targets = append(targets, b.conns[u]...)
	}
	b.mu.Unlock()

	for _, t := range targets {
		_ = t.writeJSON(event)
	}
}

// PushEvent delivers an arbitrary event to one user's connections; tests use
// it for wallet and game pushes.
func (b *Backend) PushEvent(userID string, event map[string]any) {
	b.pushTo([]string{userID}, event)
}

// SetBalance seeds a user's server-side wallet.
func (b *Backend) SetBalance(userID string, balance int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[userID] = balance
}

// SetInventory seeds a user's server-side inventory.
func (b *Backend) SetInventory(userID string, counts map[string]int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make(map[string]int, len(counts))
	for k, v := range counts {
		cp[k] = v
	}
	b.inventory[userID] = cp
}

// DropLobby removes a lobby without emitting any event, simulating a
// server-side teardown the clients never hear about.
func (b *Backend) DropLobby(code string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.lobbies, code)
}

// Lobby returns the server's view of a lobby, or nil.
func (b *Backend) Lobby(code string) *LobbyRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	lb, ok := b.lobbies[code]
	if !ok {
		return nil
	}
	snapshot := *lb
	snapshot.Users = append([]string(nil), lb.Users...)
	return &snapshot
}

package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"qr-themer-server/modules/common/config"
	commonredis "qr-themer-server/modules/common/redis"
	"qr-themer-server/modules/common/store"
	"qr-themer-server/modules/genimage"
	"qr-themer-server/modules/history"
	"qr-themer-server/modules/pipeline"
	"qr-themer-server/modules/qrcode"
	"qr-themer-server/modules/queue"
	"qr-themer-server/modules/quota"
	"qr-themer-server/modules/theme"
	"qr-themer-server/modules/validate"
)

// WebSocket upgrader
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// 개발용 - 모든 origin 허용
		return true
	},
}

// Hub - fan-out of pipeline events to every connected client. Implements
// pipeline.EventSink so the orchestrator publishes straight into it.
type Hub struct {
	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub() *Hub {
	return &Hub{clients: make(map[*hubClient]struct{})}
}

// Publish - serialize one event and broadcast it. Slow clients are dropped
// rather than blocking the pipeline.
func (h *Hub) Publish(event pipeline.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("❌ Failed to marshal event: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			log.Printf("⚠️  Dropping event for slow websocket client")
		}
	}
}

func (h *Hub) add(client *hubClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	log.Printf("👤 Websocket client connected (total: %d)", count)
}

func (h *Hub) remove(client *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	log.Printf("👤 Websocket client disconnected (total: %d)", count)
}

// handleWebSocket - GET /ws, event stream for pipeline progress
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ WebSocket upgrade failed: %v", err)
		return
	}

	client := &hubClient{conn: conn, send: make(chan []byte, 64)}
	h.add(client)

	go client.writePump()
	go h.readPump(client)
}

// readPump - we only read to detect disconnects; clients never send commands
func (h *Hub) readPump(client *hubClient) {
	defer func() {
		h.remove(client)
		client.conn.Close()
	}()
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *hubClient) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Printf("WebSocket write error: %v", err)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// CORS 헤더 추가
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// 헬스 체크 엔드포인트
func healthCheck(jobs *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":     "healthy",
			"service":    "qr-themer",
			"processing": jobs.IsProcessing(),
			"pending":    jobs.Pending(),
		})
	}
}

func main() {
	// 환경변수 로드
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// 할당량 저장소: Redis, 없으면 인메모리 폴백
	var kv store.KV
	if rdb := commonredis.Connect(cfg); rdb != nil {
		kv = store.NewRedisKV(rdb)
		log.Printf("✅ Redis connected, quota state persisted")
	} else {
		kv = store.NewMemoryKV()
		log.Printf("⚠️  Redis unavailable, quota state is in-memory only")
	}

	historyStore, err := history.NewStore(cfg.HistoryDBPath, cfg.HistoryLimit)
	if err != nil {
		log.Fatalf("❌ Failed to open history store: %v", err)
	}
	defer historyStore.Close()

	codec := qrcode.NewService()
	hub := newHub()
	tracker := quota.NewTracker(kv, cfg.DailyFreeLimit, cfg.LowQuotaThreshold)

	orchestrator := pipeline.NewOrchestrator(
		codec,
		theme.NewService(),
		genimage.NewService(),
		validate.NewEngine(codec),
		historyStore,
		hub,
	)

	jobs := queue.NewQueue()
	jobs.Start(context.Background())

	pipelineHandler := pipeline.NewHandler(orchestrator, tracker, jobs, hub)
	historyHandler := history.NewHandler(historyStore)
	quotaHandler := quota.NewHandler(tracker)

	// 라우터 설정
	r := mux.NewRouter()
	r.Use(enableCORS)

	r.HandleFunc("/", healthCheck(jobs)).Methods("GET")
	r.HandleFunc("/health", healthCheck(jobs)).Methods("GET")
	r.HandleFunc("/ws", hub.handleWebSocket)
	r.HandleFunc("/api/generate", pipelineHandler.HandleGenerate).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/regenerate", pipelineHandler.HandleRegenerate).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/result", pipelineHandler.HandleResult).Methods("GET")
	r.HandleFunc("/api/history", historyHandler.HandleList).Methods("GET")
	r.HandleFunc("/api/history", historyHandler.HandleClear).Methods("DELETE", "OPTIONS")
	r.HandleFunc("/api/quota", quotaHandler.HandleQuota).Methods("GET")
	r.HandleFunc("/api/quota/limit", quotaHandler.HandleSetLimit).Methods("POST", "OPTIONS")

	log.Printf("🚀 QR Themer Server starting on port %s", cfg.Port)
	log.Printf("📡 WebSocket endpoint: ws://localhost:%s/ws", cfg.Port)
	log.Printf("❤️  Health check: http://localhost:%s/health", cfg.Port)

	// 서버 시작
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

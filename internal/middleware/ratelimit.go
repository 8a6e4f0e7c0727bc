package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/iamcore/internal/model"
)

// LoginLimiterConfig はログイン試行のレート制限の設定を保持する。
type LoginLimiterConfig struct {
	Rate            rate.Limit    // 試行のレート（req/sec）。LOGIN_RATE_PER_MIN / 60
	Burst           int           // バーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// NewLoginLimiterConfig は1分あたりの試行回数とバーストサイズから設定を生成する。
func NewLoginLimiterConfig(perMinute, burst int) LoginLimiterConfig {
	return LoginLimiterConfig{
		Rate:            rate.Limit(float64(perMinute) / 60.0),
		Burst:           burst,
		CleanupInterval: 5 * time.Minute,
	}
}

// keyLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type keyLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet はキーごとのリミッターを管理する。
type limiterSet struct {
	mu       sync.RWMutex
	limiters map[string]*keyLimiter
}

// LoginLimiter はログイン試行をクライアントIPごと、ユーザー名ごとに制限する。
// 同一IPからの総当たりと、複数IPからの単一アカウントへの試行の両方を抑止する。
type LoginLimiter struct {
	config LoginLimiterConfig
	logger *slog.Logger

	byIP   limiterSet
	byUser limiterSet

	stopCh chan struct{}
}

// NewLoginLimiter は新しいLoginLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewLoginLimiter(config LoginLimiterConfig, logger *slog.Logger) *LoginLimiter {
	ll := &LoginLimiter{
		config: config,
		logger: logger,
		byIP:   limiterSet{limiters: make(map[string]*keyLimiter)},
		byUser: limiterSet{limiters: make(map[string]*keyLimiter)},
		stopCh: make(chan struct{}),
	}

	go ll.cleanupLoop()

	return ll
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (ll *LoginLimiter) Stop() {
	close(ll.stopCh)
}

// Middleware はクライアントIPごとのレート制限ミドルウェアを返す。
func (ll *LoginLimiter) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !ll.byIP.get(ip, ll.config).Allow() {
				ll.logger.Warn("rate limit exceeded",
					slog.String("client_ip", ip),
					slog.String("limit_type", "login_ip"),
				)
				WriteRateLimitResponse(w, ll.config.Rate)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AllowUser はユーザー名に対する試行を1回消費し、許可される場合にtrueを返す。
// ユーザー名はリクエストボディに含まれるため、ハンドラーがデコード後に呼び出す。
func (ll *LoginLimiter) AllowUser(userName string) bool {
	if ll.byUser.get(userName, ll.config).Allow() {
		return true
	}
	ll.logger.Warn("rate limit exceeded",
		slog.String("user_name", userName),
		slog.String("limit_type", "login_user"),
	)
	return false
}

// RetryRate は429レスポンスのRetry-After算出に使うレートを返す。
func (ll *LoginLimiter) RetryRate() rate.Limit {
	return ll.config.Rate
}

// IPLimiterCount は現在管理されているIPリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (ll *LoginLimiter) IPLimiterCount() int {
	return ll.byIP.len()
}

// UserLimiterCount は現在管理されているユーザー名リミッターのエントリ数を返す。
func (ll *LoginLimiter) UserLimiterCount() int {
	return ll.byUser.len()
}

// get はキーのリミッターを取得または作成する。
func (s *limiterSet) get(key string, config LoginLimiterConfig) *rate.Limiter {
	s.mu.RLock()
	kl, exists := s.limiters[key]
	s.mu.RUnlock()

	if exists {
		s.mu.Lock()
		kl.lastAccess = time.Now()
		s.mu.Unlock()
		return kl.limiter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// ダブルチェック
	if kl, exists := s.limiters[key]; exists {
		kl.lastAccess = time.Now()
		return kl.limiter
	}

	limiter := rate.NewLimiter(config.Rate, config.Burst)
	s.limiters[key] = &keyLimiter{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (s *limiterSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limiters)
}

// expire は最終アクセス時刻がttlを超えたエントリを削除する。
func (s *limiterSet) expire(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, kl := range s.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(s.limiters, key)
		}
	}
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (ll *LoginLimiter) cleanupLoop() {
	ticker := time.NewTicker(ll.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ll.cleanup()
		case <-ll.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (ll *LoginLimiter) cleanup() {
	ttl := ll.config.CleanupInterval * 2
	now := time.Now()
	ll.byIP.expire(now, ttl)
	ll.byUser.expire(now, ttl)
}

// clientIP はリクエスト元のIPアドレスを返す。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// WriteRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func WriteRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 {
		retryAfterSec = int(math.Ceil(1.0 / float64(r)))
	}
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     model.ErrCodeRateLimitExceeded,
		Message:  "ログイン試行回数が上限に達しました。",
		Category: "auth",
		Action:   "Retry-Afterで指定された時間が経過してから再度お試しください。",
	})
}

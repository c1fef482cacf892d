package config

import (
    "crypto/rand"
    "encoding/hex"
    "os"
    "strconv"
    "strings"
    "time"

    "github.com/joho/godotenv"
)

type Config struct {
    Port           int
    DBDriver       string
    DBDsn          string
    JWTSecret      string
    JWTTTL         int64
    CookieName     string
    AdminInitUser  string
    AdminInitPass  string
    RateLimitRPS   int
    RateLimitBurst int

    // Public site root used in emails ({wwwroot}, profile links).
    WWWRoot      string
    AdminSignoff string

    // Token defaults, also applied to courses without an enrol instance.
    DefaultIPThrottleMinutes   int
    DefaultUserThrottleMinutes int
    BannedWords                []string
    ThrottleRetention          time.Duration
    SyncCron                   string

    MailDriver     string
    MailFrom       string
    MailFromName   string
    SMTPHost       string
    SMTPPort       int
    SMTPUser       string
    SMTPPassword   string
    SendGridAPIKey string
    SendGridURL    string
    MailQueueSize  int

    CacheMaxEntries        int
    CacheTTL               time.Duration
    CachePerfWarnThreshold time.Duration
    RedisEnabled           bool
    RedisAddr              string
    RedisPassword          string
    RedisDB                int
    RedisUseTLS            bool
    RedisDialTimeout       time.Duration
    RedisReadTimeout       time.Duration
    RedisWriteTimeout      time.Duration
}

// defaultBannedWords is used when TOKEN_BANNED_WORDS is unset.
var defaultBannedWords = []string{
    "fuck", "shit", "cunt", "piss", "dick", "cock", "twat", "tits", "arse", "slut",
    "whore", "wank", "bitch", "bastard", "nazi", "porn", "anal", "rape", "fag", "nig",
}

func getenv(key, def string) string {
    if v := os.Getenv(key); v != "" {
        return v
    }
    return def
}

func getinti(key string, def int) int {
    if v := os.Getenv(key); v != "" {
        if i, err := strconv.Atoi(v); err == nil {
            return i
        }
    }
    return def
}

func getint64(key string, def int64) int64 {
    if v := os.Getenv(key); v != "" {
        if i, err := strconv.ParseInt(v, 10, 64); err == nil {
            return i
        }
    }
    return def
}

func getbool(key string, def bool) bool {
    if v := os.Getenv(key); v != "" {
        if b, err := strconv.ParseBool(v); err == nil {
            return b
        }
    }
    return def
}

func getduration(key string, def time.Duration) time.Duration {
    if v := os.Getenv(key); v != "" {
        if d, err := time.ParseDuration(v); err == nil {
            return d
        }
    }
    return def
}

func getlist(key string, def []string) []string {
    v := os.Getenv(key)
    if v == "" {
        return def
    }
    out := make([]string, 0)
    for _, part := range strings.Split(v, ",") {
        if p := strings.TrimSpace(part); p != "" {
            out = append(out, p)
        }
    }
    return out
}

func generateJWTSecret() string {
    bytes := make([]byte, 32)
    if _, err := rand.Read(bytes); err != nil {
        panic("failed to generate JWT secret: " + err.Error())
    }
    return hex.EncodeToString(bytes)
}

// Load reads .env (when present) and the process environment.
func Load() *Config {
    _ = godotenv.Load()

    jwtSecret := getenv("JWT_SECRET", "")
    if jwtSecret == "" || jwtSecret == "please_change_me" {
        jwtSecret = generateJWTSecret()
    }

    return &Config{
        Port:           getinti("PORT", 8000),
        DBDriver:       getenv("DB_DRIVER", "sqlite"),
        DBDsn:          getenv("DB_DSN", "./data/enroltoken.db"),
        JWTSecret:      jwtSecret,
        JWTTTL:         getint64("JWT_TTL", 86400),
        CookieName:     getenv("COOKIE_NAME", "auth_token"),
        AdminInitUser:  getenv("ADMIN_INIT_USER", ""),
        AdminInitPass:  getenv("ADMIN_INIT_PASS", ""),
        RateLimitRPS:   getinti("RATE_LIMIT_RPS", 20),
        RateLimitBurst: getinti("RATE_LIMIT_BURST", 40),

        WWWRoot:      strings.TrimRight(getenv("WWW_ROOT", "http://localhost:8000"), "/"),
        AdminSignoff: getenv("ADMIN_SIGNOFF", "The course administrators"),

        DefaultIPThrottleMinutes:   getinti("TOKEN_IP_THROTTLE_MINUTES", 10),
        DefaultUserThrottleMinutes: getinti("TOKEN_USER_THROTTLE_MINUTES", 10),
        BannedWords:                getlist("TOKEN_BANNED_WORDS", defaultBannedWords),
        ThrottleRetention:          getduration("TOKEN_THROTTLE_RETENTION", 24*time.Hour),
        SyncCron:                   getenv("SYNC_CRON", "@hourly"),

        MailDriver:     getenv("MAIL_DRIVER", "log"),
        MailFrom:       getenv("MAIL_FROM", "noreply@localhost"),
        MailFromName:   getenv("MAIL_FROM_NAME", "Course enrolments"),
        SMTPHost:       getenv("SMTP_HOST", ""),
        SMTPPort:       getinti("SMTP_PORT", 587),
        SMTPUser:       getenv("SMTP_USER", ""),
        SMTPPassword:   getenv("SMTP_PASSWORD", ""),
        SendGridAPIKey: getenv("SENDGRID_API_KEY", ""),
        SendGridURL:    getenv("SENDGRID_URL", "https://api.sendgrid.com/v3/mail/send"),
        MailQueueSize:  getinti("MAIL_QUEUE_SIZE", 256),

        CacheMaxEntries:        getinti("CACHE_MAX_ENTRIES", 1024),
        CacheTTL:               getduration("CACHE_TTL", 5*time.Minute),
        CachePerfWarnThreshold: getduration("CACHE_PERF_WARN", 50*time.Millisecond),
        RedisEnabled:           getbool("REDIS_ENABLED", false),
        RedisAddr:              getenv("REDIS_ADDR", ""),
        RedisPassword:          getenv("REDIS_PASSWORD", ""),
        RedisDB:                getinti("REDIS_DB", 0),
        RedisUseTLS:            getbool("REDIS_TLS", false),
        RedisDialTimeout:       getduration("REDIS_DIAL_TIMEOUT", 2*time.Second),
        RedisReadTimeout:       getduration("REDIS_READ_TIMEOUT", time.Second),
        RedisWriteTimeout:      getduration("REDIS_WRITE_TIMEOUT", time.Second),
    }
}

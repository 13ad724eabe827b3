package constants

// Composer and moderation defaults
const (
	DefaultAdvisoryDebounceMs     = 500
	DefaultAdvisoryBannerTTLSec   = 6
	DefaultMaxCategoriesBeforeBlk = 2
)

// DefaultAllowedDomains are portfolio hosts the link rule accepts when
// moderation.allowed_domains is empty. Subdomains match too.
var DefaultAllowedDomains = []string{
	"behance.net",
	"dribbble.com",
	"github.com",
	"gitlab.com",
	"artstation.com",
	"deviantart.com",
	"figma.com",
	"vimeo.com",
}

// Presence and typing defaults
const (
	DefaultTypingInactivityMs = 3000
	DefaultTypingExpirySec    = 6
)

// Attachment preprocessing defaults
const (
	DefaultMaxImageDimension = 1600
	DefaultJPEGQuality       = 80
	MaxDecodePixels          = 40_000_000
	DefaultMaxUploadSizeMB   = 25
	BytesPerMegabyte         = 1024 * 1024
	MimeDetectionBufferSize  = 512
)

// Transport defaults
const (
	DefaultHTTPTimeoutSec         = 30
	DefaultReconnectInitialMs     = 500
	DefaultReconnectMaxMs         = 30000
	DefaultChannelWriteTimeoutSec = 10
	DefaultCircuitMaxFailures     = 5
	DefaultCircuitResetSec        = 30
)

// Relay defaults
const (
	DefaultRelayPort               = 8085
	DefaultRelayReadTimeoutSec     = 15
	DefaultRelayWriteTimeoutSec    = 15
	DefaultRelayIdleTimeoutSec     = 60
	DefaultGracefulShutdownSec     = 10
	DefaultDatabaseRetryAttempts   = 3
	DefaultRelayRejectSeverity     = "medium"
	DefaultRelayRateLimitPerMinute = 240
)

// Privacy settings
const (
	DefaultUserIDMaskLength  = 4
	DefaultMessageIDLength   = 8
	DefaultExcerptMaskLength = 3
)

// Encryption (relay at-rest)
const (
	EncryptionSalt       = "gigchat-message-encryption-v1"
	EncryptionIterations = 100000
	EncryptionKeySize    = 32
	EncryptionNonceSize  = 12
)

// Field limits
const (
	MaxMessageTextLength = 10000
	MaxEmojiLength       = 32
	MaxIdentifierLength  = 128
	MaxTimeoutSec        = 3600
)

// File permission constants
const (
	DefaultDirectoryPermissions = 0750
	DefaultFilePermissions      = 0600
)

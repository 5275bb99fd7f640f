package reliability

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableErrorCode classifies pipeline error codes a client may retry.
// Protocol violations and expired sessions are terminal: retrying the same
// input reproduces them.
func IsRetryableErrorCode(code string) bool {
	switch code {
	case "transcription_failed", "generation_failed", "synthesis_failed":
		return true
	default:
		return false
	}
}

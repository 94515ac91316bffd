package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden         ErrCode = "FORBIDDEN"
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// ─── Practice-specific ─────────────────────────────────────────────
	ErrModuleNotFound        ErrCode = "MODULE_NOT_FOUND"
	ErrModuleCompleted       ErrCode = "MODULE_COMPLETED"
	ErrNoQuestions           ErrCode = "NO_QUESTIONS"
	ErrSessionNotFound       ErrCode = "SESSION_NOT_FOUND"
	ErrAnotherSessionActive  ErrCode = "ANOTHER_SESSION_ACTIVE"
	ErrSessionSubmitted      ErrCode = "SESSION_SUBMITTED"
	ErrSubmissionInFlight    ErrCode = "SUBMISSION_IN_FLIGHT"
	ErrDeadlinePassed        ErrCode = "DEADLINE_PASSED"
	ErrUnknownQuestion       ErrCode = "UNKNOWN_QUESTION"
	ErrUnknownOption         ErrCode = "UNKNOWN_OPTION"
	ErrNotChoiceQuestion     ErrCode = "NOT_CHOICE_QUESTION"
	ErrSubmitFailed          ErrCode = "SUBMIT_FAILED"
	ErrResultNotFound        ErrCode = "RESULT_NOT_FOUND"
	ErrUpstreamUnavailable   ErrCode = "UPSTREAM_UNAVAILABLE"
	ErrFullscreenUnavailable ErrCode = "FULLSCREEN_UNAVAILABLE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrStudentAccessOnly:
		return "Sumber daya ini terbatas untuk siswa."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."
	case ErrConflict:
		return "Sumber daya sudah ada."

	// ─── Practice-specific ─────────────────────────────────────────────
	case ErrModuleNotFound:
		return "Modul latihan tidak ditemukan."
	case ErrModuleCompleted:
		return "Modul latihan ini sudah dikerjakan."
	case ErrNoQuestions:
		return "Modul latihan ini tidak memiliki pertanyaan."
	case ErrSessionNotFound:
		return "Tidak ada sesi latihan yang aktif untuk modul ini."
	case ErrAnotherSessionActive:
		return "Anda sedang mengerjakan modul latihan lain."
	case ErrSessionSubmitted:
		return "Sesi latihan sudah dikumpulkan."
	case ErrSubmissionInFlight:
		return "Jawaban sedang dikumpulkan."
	case ErrDeadlinePassed:
		return "Waktu habis, jawaban tidak dapat diubah."
	case ErrUnknownQuestion:
		return "Pertanyaan tidak ada di modul ini."
	case ErrUnknownOption:
		return "Pilihan jawaban tidak valid."
	case ErrNotChoiceQuestion:
		return "Pertanyaan ini bukan pilihan ganda."
	case ErrSubmitFailed:
		return "Gagal mengumpulkan jawaban. Silakan coba lagi."
	case ErrResultNotFound:
		return "Hasil latihan belum tersedia."
	case ErrUpstreamUnavailable:
		return "Layanan latihan sedang tidak tersedia."
	case ErrFullscreenUnavailable:
		return "Mode layar penuh tidak dapat diaktifkan."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}

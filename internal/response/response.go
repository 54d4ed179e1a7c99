package response

import (
	"net/http"

	"iap-bridge/internal/models"

	"github.com/gin-gonic/gin"
)

// Response represents a standard API response
type Response struct {
	Success bool                  `json:"success"`
	Message string                `json:"message"`
	Data    interface{}           `json:"data,omitempty"`
	Error   *models.PurchaseError `json:"error,omitempty"`
}

// Success returns a success response
func Success(data interface{}) Response {
	return Response{
		Success: true,
		Message: "success",
		Data:    data,
	}
}

// Error returns an error response
func Error(message string) Response {
	return Response{
		Success: false,
		Message: message,
	}
}

// JSON sends a JSON response
func JSON(c *gin.Context, statusCode int, response Response) {
	c.JSON(statusCode, response)
}

// SuccessJSON sends a success JSON response
func SuccessJSON(c *gin.Context, data interface{}) {
	JSON(c, http.StatusOK, Success(data))
}

// ErrorJSON sends an error JSON response
func ErrorJSON(c *gin.Context, statusCode int, message string) {
	JSON(c, statusCode, Error(message))
}

// PurchaseErrorJSON sends err as a normalized purchase error, picking the
// HTTP status from its code
func PurchaseErrorJSON(c *gin.Context, err error) {
	purchaseErr := models.AsPurchaseError(err, models.ErrorCodeUnknown)
	JSON(c, StatusFor(purchaseErr.Code), Response{
		Success: false,
		Message: purchaseErr.Message,
		Error:   purchaseErr,
	})
}

// StatusFor maps an error code to an HTTP status
func StatusFor(code models.ErrorCode) int {
	switch code {
	case models.ErrorCodeDeveloperError, models.ErrorCodeParseFailed:
		return http.StatusBadRequest
	case models.ErrorCodeNotOwned, models.ErrorCodeItemUnavailable:
		return http.StatusNotFound
	case models.ErrorCodeAlreadyOwned:
		return http.StatusConflict
	case models.ErrorCodeUserCancelled, models.ErrorCodePending:
		return http.StatusAccepted
	case models.ErrorCodeNotInitialized:
		return http.StatusPreconditionFailed
	case models.ErrorCodeFeatureNotSupported:
		return http.StatusNotImplemented
	case models.ErrorCodeServiceUnavailable, models.ErrorCodeBillingUnavailable, models.ErrorCodeNetworkError:
		return http.StatusServiceUnavailable
	case models.ErrorCodeTransactionValidationFailed:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kbukum/capdir/errors"
)

// DataResponse is the success envelope: {"data": ...}.
type DataResponse struct {
	Data any `json:"data"`
}

// Respond writes data in the success envelope.
func Respond(c *gin.Context, status int, data any) {
	c.JSON(status, DataResponse{Data: data})
}

func RespondOK(c *gin.Context, data any)       { Respond(c, http.StatusOK, data) }
func RespondCreated(c *gin.Context, data any)  { Respond(c, http.StatusCreated, data) }
func RespondAccepted(c *gin.Context, data any) { Respond(c, http.StatusAccepted, data) }

// RespondWithError writes err in the error envelope. Errors that are not
// AppErrors become a 504 for an expired deadline and a 500 otherwise; their
// text is not sent.
func RespondWithError(c *gin.Context, err error) {
	appErr := apperrors.Wrap(err)
	_ = c.Error(err)
	c.JSON(appErr.HTTPStatus, appErr.ToResponse())
}

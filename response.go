package cachingproxy

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
)

// Every relayed body is labelled as JSON, whatever the origin sent.
const contentType = "application/json"

const internalServerError = "Internal server error"

// writeResponse sends the body to the client.
// Headers have to be set before the status line goes out, so any header
// mutation must happen before calling this.
func writeResponse(w http.ResponseWriter, statusCode int, body []byte, logger *zerolog.Logger) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(statusCode)
	bytesWritten, err := w.Write(body)
	if err != nil {
		logger.Debug().Err(err).Msg("Could not write response body to client")
		return
	}
	logger.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

package server

import (
	"bytes"
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/krau/stylized/imageio"
	"github.com/krau/stylized/service"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	errUnauthorized = errors.New("unauthorized")
)

func (s *Server) authenticate(c *gin.Context) error {
	auth := c.GetHeader("Authorization")

	if s.token == "" {
		return nil
	}
	providedToken := ""
	if len(auth) > 7 && auth[:7] == "Bearer " {
		providedToken = auth[7:]
	}
	if subtle.ConstantTimeCompare([]byte(providedToken), []byte(s.token)) != 1 {
		return errUnauthorized
	}

	return nil
}

// StylizeHandler accepts a multipart "file" plus "style", optional "style2" and
// optional "blend", and answers with the stylized PNG.
func (s *Server) StylizeHandler(c *gin.Context) {
	if err := s.authenticate(c); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file uploaded"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot open uploaded file"})
		return
	}
	defer file.Close()

	img, _, err := imageio.Decode(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot decode image"})
		return
	}

	blend := s.blend
	if v := c.PostForm("blend"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "blend must be a number"})
			return
		}
		blend = float32(f)
	}

	req := service.Request{
		Image:     img,
		Primary:   c.PostForm("style"),
		Secondary: c.PostForm("style2"),
		Blend:     blend,
	}

	done := make(chan service.Outcome, 1)
	s.engine.Submit(req, service.Inline, func(o service.Outcome) { done <- o })

	var out service.Outcome
	select {
	case out = <-done:
	case <-c.Request.Context().Done():
		return
	}
	if out.Err != nil {
		status := statusFor(out.Err)
		if status >= http.StatusInternalServerError {
			log.Error().Err(out.Err).Str("request_id", c.GetString("request_id")).Msg("Style transfer failed")
			c.JSON(status, gin.H{"error": "style transfer failed"})
			return
		}
		c.JSON(status, gin.H{"error": out.Err.Error()})
		return
	}

	var buf bytes.Buffer
	if err := imageio.EncodePNG(&buf, out.Value); err != nil {
		log.Error().Err(err).Msg("Failed to encode result")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot encode result"})
		return
	}
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidImage),
		errors.Is(err, service.ErrUnknownStyle),
		errors.Is(err, service.ErrInvalidBlend):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) StylesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"styles": s.engine.Catalog().Exposed()})
}

func HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Package httpserver exposes the catalog API and the backup control routes.
package httpserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/netos-community/appcatalog/internal/backup"
	"github.com/netos-community/appcatalog/internal/model"
)

const serviceName = "NetOS Community Apps"

var allowedExtensions = map[string]bool{
	"html": true, "js": true, "css": true, "json": true,
	"png": true, "jpg": true, "jpeg": true,
}

// BackupControl is the part of the backup orchestrator the API drives.
type BackupControl interface {
	TriggerBackup(ctx context.Context) (backup.Result, error)
	TriggerRestore(ctx context.Context) (backup.Result, error)
	TriggerAsync()
	Status() backup.Status
}

// Options configures the HTTP server.
type Options struct {
	Addr       string
	UploadDir  string
	AdminToken string // empty leaves admin routes open
	// CORSOrigins lists origins allowed to call the API from a browser.
	// Empty or containing "*" allows any origin.
	CORSOrigins []string
	Log         zerolog.Logger
}

// Server provides the catalog HTTP API.
type Server struct {
	opts      Options
	store     model.CatalogStore
	backups   BackupControl
	log       zerolog.Logger
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(opts Options, store model.CatalogStore, backups BackupControl) *Server {
	if opts.Addr == "" {
		opts.Addr = "0.0.0.0:5000"
	}
	if opts.UploadDir == "" {
		opts.UploadDir = "uploads"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:      opts,
		store:     store,
		backups:   backups,
		log:       opts.Log,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Handler builds the gin engine with every route registered.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(s.corsConfig()))
	r.MaxMultipartMemory = 32 << 20

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.POST("/register", s.handleRegister)
	api.POST("/login", s.handleLogin)
	api.GET("/apps", s.handleListApps)
	api.POST("/apps/upload", s.handleUpload)

	admin := api.Group("/admin", s.requireAdmin)
	admin.POST("/backup", s.handleBackup)
	admin.POST("/restore", s.handleRestore)
	admin.GET("/backup/status", s.handleBackupStatus)

	return r
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range s.opts.CORSOrigins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(s.opts.CORSOrigins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = s.opts.CORSOrigins
	return cfg
}

// Start binds the listen address. Requests are served once Serve is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      5 * time.Minute,
	}

	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()
	return nil
}

// Serve handles requests on the listener bound by Start until Stop is called.
// A clean shutdown returns nil.
func (s *Server) Serve() error {
	if s.server == nil || s.listener == nil {
		return errors.New("httpserver: Serve called before Start")
	}
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error().Err(err).Msg("http server stopped")
		return err
	}
	return nil
}

// Addr returns the bound listen address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if s.listener != nil {
		// Shutdown only closes listeners Serve has taken over.
		_ = s.listener.Close()
	}
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.backups.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":         "online",
		"service":        serviceName,
		"timestamp":      time.Now().Format(time.RFC3339),
		"uptime":         time.Since(s.startTime).String(),
		"backup_enabled": st.BackupEnabled,
	})
}

func (s *Server) handleRegister(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing fields"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.log.Error().Err(err).Msg("hash password")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register user"})
		return
	}

	user := model.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(user); err != nil {
		if errors.Is(err, model.ErrConflict) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Username or email already exists"})
			return
		}
		s.log.Error().Err(err).Str("username", req.Username).Msg("create user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register user"})
		return
	}

	s.backups.TriggerAsync()
	c.JSON(http.StatusCreated, gin.H{
		"message": "User registered successfully",
		"user":    gin.H{"id": user.ID, "username": user.Username, "email": user.Email},
	})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing credentials"})
		return
	}

	user, err := s.store.UserByUsername(req.Username)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		s.log.Error().Err(err).Msg("look up user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to log in"})
		return
	}
	if err != nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Login successful",
		"user": gin.H{
			"id":       user.ID,
			"username": user.Username,
			"email":    user.Email,
			"is_admin": user.IsAdmin,
		},
	})
}

type appResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	Author        string    `json:"author"`
	Version       string    `json:"version"`
	Category      string    `json:"category"`
	Tags          []string  `json:"tags"`
	DownloadCount int64     `json:"download_count"`
	Rating        float64   `json:"rating"`
	FilePath      string    `json:"file_path"`
	IconPath      string    `json:"icon_path"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (s *Server) handleListApps(c *gin.Context) {
	apps, err := s.store.ListApprovedApps()
	if err != nil {
		s.log.Error().Err(err).Msg("list apps")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list apps"})
		return
	}

	out := make([]appResponse, 0, len(apps))
	for _, a := range apps {
		tags := a.Tags
		if tags == nil {
			tags = []string{}
		}
		out = append(out, appResponse{
			ID:            a.ID,
			Name:          a.Name,
			Description:   a.Description,
			Author:        a.Author,
			Version:       a.Version,
			Category:      a.Category,
			Tags:          tags,
			DownloadCount: a.DownloadCount,
			Rating:        a.Rating,
			FilePath:      a.FilePath,
			IconPath:      a.IconPath,
			CreatedAt:     a.CreatedAt,
			UpdatedAt:     a.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleUpload(c *gin.Context) {
	userID, ok := c.GetPostForm("user_id")
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User ID required"})
		return
	}

	file, err := c.FormFile("app_file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No app file provided"})
		return
	}
	filename := secureFilename(file.Filename)
	if filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file selected"})
		return
	}
	if !allowedFile(filename) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File type not allowed"})
		return
	}

	name, description := c.PostForm("name"), c.PostForm("description")
	if name == "" || description == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Name and description required"})
		return
	}

	appID := uuid.NewString()
	appDir := filepath.Join(s.opts.UploadDir, appID)
	filePath := filepath.Join(appDir, filename)
	if err := os.MkdirAll(appDir, 0755); err != nil {
		s.log.Error().Err(err).Str("dir", appDir).Msg("create upload dir")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store app file"})
		return
	}
	if err := c.SaveUploadedFile(file, filePath); err != nil {
		s.log.Error().Err(err).Str("path", filePath).Msg("save upload")
		_ = os.RemoveAll(appDir)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store app file"})
		return
	}

	author := model.AnonymousAuthor
	if u, err := s.store.UserByID(userID); err == nil {
		author = u.Username
	}

	now := time.Now().UTC()
	app := model.App{
		ID:          appID,
		Name:        name,
		Description: description,
		Author:      author,
		Version:     model.DefaultAppVersion,
		Category:    model.DefaultAppCategory,
		FilePath:    filePath,
		CreatedAt:   now,
		UpdatedAt:   now,
		IsApproved:  true,
		UserID:      userID,
	}
	if err := s.store.CreateApp(app); err != nil {
		s.log.Error().Err(err).Str("app_id", appID).Msg("create app")
		_ = os.RemoveAll(appDir)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save app"})
		return
	}

	s.backups.TriggerAsync()
	c.JSON(http.StatusCreated, gin.H{
		"message": "App uploaded successfully",
		"app_id":  appID,
	})
}

func (s *Server) requireAdmin(c *gin.Context) {
	if s.opts.AdminToken == "" {
		c.Next()
		return
	}
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin token required"})
		return
	}
	c.Next()
}

func (s *Server) handleBackup(c *gin.Context) {
	res, err := s.backups.TriggerBackup(c.Request.Context())
	if err != nil {
		s.writeBackupError(c, "backup", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "backup": res})
}

func (s *Server) handleRestore(c *gin.Context) {
	res, err := s.backups.TriggerRestore(c.Request.Context())
	if err != nil {
		s.writeBackupError(c, "restore", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "restore": res})
}

func (s *Server) handleBackupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.backups.Status())
}

func (s *Server) writeBackupError(c *gin.Context, op string, err error) {
	code := backupErrorStatus(err)
	ev := s.log.Warn()
	if code >= http.StatusInternalServerError {
		ev = s.log.Error()
	}
	ev.Err(err).Str("op", op).Int("status", code).Msg("manual " + op + " failed")
	c.JSON(code, gin.H{"error": err.Error()})
}

func backupErrorStatus(err error) int {
	switch {
	case errors.Is(err, backup.ErrBackupDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, backup.ErrEmptySnapshot):
		return http.StatusConflict
	case errors.Is(err, backup.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, backup.ErrCorruptEnvelope):
		return http.StatusUnprocessableEntity
	case errors.Is(err, backup.ErrRemoteUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func allowedFile(filename string) bool {
	ext := filepath.Ext(filename)
	if ext == "" {
		return false
	}
	return allowedExtensions[strings.ToLower(ext[1:])]
}

// secureFilename reduces a client-supplied name to a safe base name.
func secureFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		case r == ' ':
			return '_'
		default:
			return -1
		}
	}, name)
	return strings.TrimLeft(name, "._")
}

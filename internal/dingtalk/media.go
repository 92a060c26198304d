package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/soimy/openclaw-channel-dingtalk/internal/config"
)

// DingTalk media upload size limits, checked locally before any network
// traffic.
const (
	maxImageBytes = 20 << 20
	maxVoiceBytes = 2 << 20
	maxVideoBytes = 20 << 20
	maxFileBytes  = 20 << 20
)

// Orphaned temp files older than this are removed at account start.
const tempFileMaxAge = 24 * time.Hour

var tempFilePattern = regexp.MustCompile(`^dingtalk_\d+\..+$`)

// ErrRobotCodeRequired is returned when a media download is attempted
// without a configured robotCode.
var ErrRobotCodeRequired = errors.New("media download requires robotCode to be configured")

// MediaService uploads and downloads media files for the channel.
type MediaService struct {
	client   *Client
	http     Doer
	tokens   *TokenCache
	oapiBase string
	log      *slog.Logger
	now      func() time.Time
}

func NewMediaService(client *Client, doer Doer, tokens *TokenCache, log *slog.Logger) *MediaService {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &MediaService{
		client:   client,
		http:     doer,
		tokens:   tokens,
		oapiBase: OAPIBaseURL,
		log:      log.With(slog.String("component", "dingtalk.media")),
		now:      time.Now,
	}
}

func maxMediaBytes(mediaType string) int64 {
	switch mediaType {
	case "image":
		return maxImageBytes
	case "voice":
		return maxVoiceBytes
	case "video":
		return maxVideoBytes
	default:
		return maxFileBytes
	}
}

// DetectMediaTypeFromExtension classifies a file path into DingTalk's
// image/voice/video/file upload categories.
func DetectMediaTypeFromExtension(path string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "jpg", "jpeg", "png", "gif", "bmp", "webp":
		return "image"
	case "mp3", "wav", "amr", "ogg", "aac", "m4a":
		return "voice"
	case "mp4", "mov", "avi", "mkv":
		return "video"
	default:
		return "file"
	}
}

// Upload pushes a local file to the media upload endpoint and returns the
// media id. Files over the per-type size limit are rejected without
// touching the network.
func (m *MediaService) Upload(ctx context.Context, cfg config.AccountConfig, path, mediaType string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat media file: %w", err)
	}
	if limit := maxMediaBytes(mediaType); info.Size() > limit {
		return "", fmt.Errorf("media file %s exceeds %s size limit (%d > %d bytes)",
			filepath.Base(path), mediaType, info.Size(), limit)
	}

	token, err := m.tokens.Token(ctx, cfg)
	if err != nil {
		return "", err
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open media file: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("type", mediaType); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	part, err := writer.CreateFormFile("media", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("read media file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}

	uploadURL := m.oapiBase + "/media/upload?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &buf)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := m.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
		MediaID string `json:"media_id"`
	}
	if err := decodeJSON(resp.Body, &result); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if result.ErrCode != 0 || result.MediaID == "" {
		return "", fmt.Errorf("upload media: errcode %d: %s", result.ErrCode, result.ErrMsg)
	}

	m.log.Debug("media uploaded",
		slog.String("mediaType", mediaType),
		slog.String("mediaId", result.MediaID))
	return result.MediaID, nil
}

// Download resolves a message downloadCode to a URL and saves the content
// into a temp file. Returns the temp path and content type; the caller
// owns cleanup.
func (m *MediaService) Download(ctx context.Context, cfg config.AccountConfig, downloadCode string) (string, string, error) {
	if cfg.RobotCode == "" {
		return "", "", ErrRobotCodeRequired
	}

	token, err := m.tokens.Token(ctx, cfg)
	if err != nil {
		return "", "", err
	}

	var resp struct {
		DownloadURL string `json:"downloadUrl"`
	}
	err = m.client.PostJSON(ctx, "/v1.0/robot/messageFiles/download", token, map[string]string{
		"downloadCode": downloadCode,
		"robotCode":    cfg.RobotCode,
	}, &resp)
	if err != nil {
		return "", "", fmt.Errorf("resolve download url: %w", err)
	}
	if resp.DownloadURL == "" {
		return "", "", errors.New("download url missing from response")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resp.DownloadURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("build download request: %w", err)
	}
	mediaResp, err := m.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("download media: %w", err)
	}
	defer mediaResp.Body.Close()
	if mediaResp.StatusCode < 200 || mediaResp.StatusCode >= 300 {
		return "", "", fmt.Errorf("download media: status %d", mediaResp.StatusCode)
	}

	contentType := mediaResp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	ext := extensionForContentType(contentType)

	tempPath := filepath.Join(os.TempDir(), fmt.Sprintf("dingtalk_%d.%s", m.now().UnixMilli(), ext))
	out, err := os.Create(tempPath)
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(out, mediaResp.Body); err != nil {
		out.Close()
		os.Remove(tempPath)
		return "", "", fmt.Errorf("write temp file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tempPath)
		return "", "", fmt.Errorf("close temp file: %w", err)
	}

	m.log.Debug("media downloaded", slog.String("path", tempPath), slog.String("contentType", contentType))
	return tempPath, contentType, nil
}

func extensionForContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "bin"
	}
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return sub
	}
	return "bin"
}

// CleanupOrphanedTempFiles removes downloaded temp files left behind by a
// crashed process. Runs at account start; returns the number removed.
func (m *MediaService) CleanupOrphanedTempFiles() int {
	entries, err := os.ReadDir(os.TempDir())
	if err != nil {
		m.log.Debug("temp dir cleanup skipped", slog.Any("error", err))
		return 0
	}

	now := m.now()
	cleaned := 0
	for _, entry := range entries {
		if entry.IsDir() || !tempFilePattern.MatchString(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= tempFileMaxAge {
			continue
		}
		path := filepath.Join(os.TempDir(), entry.Name())
		if err := os.Remove(path); err != nil {
			m.log.Debug("failed to remove orphaned temp file",
				slog.String("file", entry.Name()), slog.Any("error", err))
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		m.log.Info("cleaned up orphaned temp files", slog.Int("count", cleaned))
	}
	return cleaned
}

func decodeJSON(r io.Reader, out any) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

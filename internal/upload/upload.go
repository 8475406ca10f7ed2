package upload

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kinsware/handwrite/internal/dataurl"
	"github.com/kinsware/handwrite/internal/logging"
)

type Config struct {
	MaxSize   int64 // per file
	MaxFiles  int
	MaxMemory int64 // multipart parsing buffer
	Directory string
}

var ImageConfig = Config{
	MaxSize:   20 * 1024 * 1024,
	MaxFiles:  10,
	MaxMemory: 32 * 1024 * 1024,
	Directory: "",
}

const tempDirPattern = "handwrite"

type UploadError struct {
	Code    string
	Message string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func IsUploadError(err error) bool {
	var uploadErr *UploadError
	return errors.As(err, &uploadErr)
}

// Collect returns the non-empty files of field in form order, dropping
// repeats of the same (filename, size).
func Collect(r *http.Request, field string, cfg Config) ([]*multipart.FileHeader, error) {
	if r.MultipartForm == nil {
		if err := r.ParseMultipartForm(cfg.MaxMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, &UploadError{
					Code:    "REQUEST_TOO_LARGE",
					Message: fmt.Sprintf("请求体超过 %dMB 限制", tooLarge.Limit/1024/1024),
				}
			}
			return nil, &UploadError{Code: "NOT_MULTIPART", Message: "请求不是multipart类型"}
		}
	}

	seen := make(map[string]struct{})
	var files []*multipart.FileHeader
	for _, fh := range r.MultipartForm.File[field] {
		if fh == nil || fh.Size == 0 {
			continue
		}

		key := fh.Filename + "_" + strconv.FormatInt(fh.Size, 10)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if cfg.MaxSize > 0 && fh.Size > cfg.MaxSize {
			return nil, &UploadError{
				Code:    "FILE_TOO_LARGE",
				Message: fmt.Sprintf("文件 %s 超过 %dMB 限制", fh.Filename, cfg.MaxSize/1024/1024),
			}
		}

		files = append(files, fh)
	}

	if cfg.MaxFiles > 0 && len(files) > cfg.MaxFiles {
		return nil, &UploadError{
			Code:    "TOO_MANY_FILES",
			Message: fmt.Sprintf("最多上传 %d 个文件", cfg.MaxFiles),
		}
	}

	return files, nil
}

type StagedFile struct {
	Path     string
	Original string
	Size     int64
}

type Image struct {
	Name string
	Data []byte
}

// Batch owns the temp files of one request. Cleanup must run on every exit
// path; it is safe to call more than once.
type Batch struct {
	dir    string
	Files  []StagedFile
	logger *slog.Logger
}

// Stage writes every upload into a fresh temp directory. On failure nothing
// is left behind.
func Stage(files []*multipart.FileHeader, cfg Config) (*Batch, error) {
	dir, err := os.MkdirTemp(cfg.Directory, tempDirPattern)
	if err != nil {
		return nil, &UploadError{Code: "DIRECTORY_ERROR", Message: "创建临时目录失败"}
	}

	b := &Batch{dir: dir, logger: logging.Get()}
	for _, fh := range files {
		staged, err := b.write(fh)
		if err != nil {
			b.Cleanup()
			return nil, err
		}
		b.Files = append(b.Files, staged)
	}

	return b, nil
}

func (b *Batch) write(fh *multipart.FileHeader) (StagedFile, error) {
	src, err := fh.Open()
	if err != nil {
		return StagedFile{}, &UploadError{Code: "READ_ERROR", Message: "读取上传文件失败"}
	}
	defer src.Close()

	dstPath := filepath.Join(b.dir, generateFilename(dataurl.ExtOrDefault(fh.Filename)))
	dst, err := os.Create(dstPath)
	if err != nil {
		return StagedFile{}, &UploadError{Code: "CREATE_ERROR", Message: "创建临时文件失败"}
	}

	written, err := io.Copy(dst, src)
	closeErr := dst.Close()
	if err != nil || closeErr != nil {
		_ = os.Remove(dstPath)
		return StagedFile{}, &UploadError{Code: "WRITE_ERROR", Message: "写入临时文件失败"}
	}

	return StagedFile{Path: dstPath, Original: fh.Filename, Size: written}, nil
}

// Load reads every staged file once, in order. The image name is the temp
// path, whose extension matches the upload.
func (b *Batch) Load() ([]Image, error) {
	images := make([]Image, 0, len(b.Files))
	for _, f := range b.Files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, fmt.Errorf("read staged file %s: %w", filepath.Base(f.Path), err)
		}
		images = append(images, Image{Name: f.Path, Data: data})
	}
	return images, nil
}

func (b *Batch) Dir() string {
	return b.dir
}

// Cleanup deletes staged files and the batch directory. Failures are logged
// and swallowed.
func (b *Batch) Cleanup() {
	if b == nil || b.dir == "" {
		return
	}

	for _, f := range b.Files {
		if err := DeleteFile(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.logger.Debug("failed to delete temp file", slog.String("path", f.Path), slog.Any("error", err))
		}
	}

	if strings.Contains(filepath.Base(b.dir), tempDirPattern) {
		if err := os.RemoveAll(b.dir); err != nil {
			b.logger.Debug("failed to delete temp dir", slog.String("path", b.dir), slog.Any("error", err))
		}
	}

	b.dir = ""
	b.Files = nil
}

func generateFilename(ext string) string {
	unique := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("_tmp_%s_%d%s", unique, time.Now().UnixMilli(), ext)
}

func DeleteFile(path string) error {
	return os.Remove(path)
}


package handler

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"audiodrive/internal/auth"
	"audiodrive/internal/domain"
	"audiodrive/internal/service"
	"audiodrive/internal/service/s3"
)

// AccessHandler держит внешнюю поверхность брокера доступа: отдача
// содержимого по UUID или токену шаринга, листинг расшаренных папок.
// Авторизация опциональна: аноним с валидным токеном шаринга
// полноправный потребитель.
type AccessHandler struct {
	accessService *service.AccessService
	blob          s3.Storage
}

func NewAccessHandler(accessService *service.AccessService, blob s3.Storage) *AccessHandler {
	return &AccessHandler{
		accessService: accessService,
		blob:          blob,
	}
}

// Пароль защищенного ресурса приходит заголовком или query-параметром.
func requestPassword(r *http.Request) string {
	if p := r.Header.Get("X-Resource-Password"); p != "" {
		return p
	}
	return r.URL.Query().Get("password")
}

func eventKind(r *http.Request) domain.EventKind {
	if r.URL.Query().Get("download") == "true" {
		return domain.EventDownload
	}
	return domain.EventStream
}

// StreamAsset отдает содержимое ассета по его UUID с поддержкой
// Range-запросов для перемотки.
func (h *AccessHandler) StreamAsset(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		http.Error(w, "Invalid asset UUID", http.StatusBadRequest)
		return
	}

	req := service.AccessRequest{
		AssetID:  &id,
		Password: requestPassword(r),
		CallerID: auth.OptionalIdentity(r),
		Kind:     eventKind(r),
	}

	h.serveGrant(w, r, req)
}

// StreamByToken отдает содержимое ассета по токену шаринга.
func (h *AccessHandler) StreamByToken(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		http.Error(w, "Token is required", http.StatusBadRequest)
		return
	}

	req := service.AccessRequest{
		Token:    token,
		Password: requestPassword(r),
		CallerID: auth.OptionalIdentity(r),
		Kind:     eventKind(r),
	}

	h.serveGrant(w, r, req)
}

func (h *AccessHandler) serveGrant(w http.ResponseWriter, r *http.Request, req service.AccessRequest) {
	grant, err := h.accessService.Resolve(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", grant.ContentType)
	if req.Kind == domain.EventDownload {
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", grant.Asset.Name))
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" {
		h.serveRange(w, r, grant, rangeHeader)
		return
	}

	obj, err := h.blob.GetObject(r.Context(), grant.BlobKey)
	if err != nil {
		log.Printf("[Access] Ошибка получения объекта %s: %v", grant.BlobKey, err)
		http.Error(w, "Failed to read content", http.StatusInternalServerError)
		return
	}
	defer obj.Close()

	w.Header().Set("Content-Length", strconv.FormatInt(obj.ContentLength(), 10))
	if _, err := io.Copy(w, obj); err != nil {
		log.Printf("[Access] Ошибка отдачи %s: %v", grant.BlobKey, err)
	}
}

func (h *AccessHandler) serveRange(w http.ResponseWriter, r *http.Request, grant *service.Grant, rangeHeader string) {
	start, end, err := parseRange(rangeHeader, grant.Asset.SizeBytes)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", grant.Asset.SizeBytes))
		http.Error(w, "Invalid range", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	obj, err := h.blob.GetObjectRange(r.Context(), grant.BlobKey, start, end)
	if err != nil {
		log.Printf("[Access] Ошибка получения диапазона %s: %v", grant.BlobKey, err)
		http.Error(w, "Failed to read content", http.StatusInternalServerError)
		return
	}
	defer obj.Close()

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, grant.Asset.SizeBytes))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)

	if _, err := io.Copy(w, obj); err != nil {
		log.Printf("[Access] Ошибка отдачи диапазона %s: %v", grant.BlobKey, err)
	}
}

// parseRange разбирает одиночный диапазон "bytes=start-end".
func parseRange(header string, size int64) (int64, int64, error) {
	spec := strings.TrimPrefix(header, "bytes=")
	if spec == header || strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("unsupported range: %s", header)
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed range: %s", header)
	}

	// Суффиксный диапазон "-N": последние N байт
	if parts[0] == "" {
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("malformed range: %s", header)
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}

	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, fmt.Errorf("malformed range: %s", header)
	}

	end := size - 1
	if parts[1] != "" {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil || end < start {
			return 0, 0, fmt.Errorf("malformed range: %s", header)
		}
		if end >= size {
			end = size - 1
		}
	}

	return start, end, nil
}

// GetSharedFolder возвращает листинг расшаренной папки: только
// публичные живые ассеты.
func (h *AccessHandler) GetSharedFolder(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		http.Error(w, "Token is required", http.StatusBadRequest)
		return
	}

	listing, err := h.accessService.ResolveFolder(r.Context(), token, requestPassword(r), auth.OptionalIdentity(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listing)
}

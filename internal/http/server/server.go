package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/trace"
	"strconv"
	"time"

	"github.com/jdillenkofer/content-archiver/internal/fetch"
	"github.com/jdillenkofer/content-archiver/internal/http/httputils"
	"github.com/jdillenkofer/content-archiver/internal/http/middlewares"
	"github.com/jdillenkofer/content-archiver/internal/http/server/authorization"
	"github.com/jdillenkofer/content-archiver/internal/sliceutils"
	"github.com/jdillenkofer/content-archiver/internal/storage"
	"github.com/jdillenkofer/content-archiver/internal/storage/database"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	requestAuthorizer authorization.RequestAuthorizer
	storage           storage.Archive
	fetcher           *fetch.Fetcher
	publicUrl         *url.URL
}

func SetupServer(bearerToken string, publicUrl string, requestAuthorizer authorization.RequestAuthorizer, fetcher *fetch.Fetcher, archive storage.Archive) (http.Handler, error) {
	parsedPublicUrl, err := url.Parse(publicUrl)
	if err != nil {
		return nil, fmt.Errorf("invalid public url %q: %w", publicUrl, err)
	}
	server := &Server{
		requestAuthorizer: requestAuthorizer,
		storage:           archive,
		fetcher:           fetcher,
		publicUrl:         parsedPublicUrl,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /archive", server.archiveContentHandler)
	mux.HandleFunc("PUT /archive/{identity...}", server.putContentHandler)
	mux.HandleFunc("GET /archive/{identity...}", server.getContentHandler)
	mux.HandleFunc("GET /blob/{digest}", server.getBlobHandler)
	mux.HandleFunc("GET /entries", server.listEntriesHandler)
	mux.HandleFunc("POST /entries", server.recordEntryHandler)
	var rootHandler http.Handler = mux
	if bearerToken != "" {
		rootHandler = middlewares.MakeBearerAuthMiddleware(bearerToken, rootHandler)
	}
	return rootHandler, nil
}

func makeHealthCheckHandler(dbs []database.Database) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		for _, db := range dbs {
			err := db.PingContext(ctx)
			if err != nil {
				w.WriteHeader(503)
				w.Write([]byte("Unhealthy"))
				return
			}
		}
		w.WriteHeader(200)
		w.Write([]byte("Healthy"))
	}
}

func SetupMonitoringServer(dbs []database.Database) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", makeHealthCheckHandler(dbs))
	var rootHandler http.Handler = mux
	return rootHandler
}

const identityPath = "identity"
const digestPath = "digest"

const fromQuery = "from"
const toQuery = "to"
const identityQuery = "identity"

const contentTypeHeader = "Content-Type"
const contentLengthHeader = "Content-Length"
const lastModifiedHeader = "Last-Modified"
const archiveDigestHeader = "X-Archive-Digest"

const applicationJsonContentType = "application/json"
const applicationOctetStreamContentType = "application/octet-stream"

const scanPageSize = 256

type ErrorResponse struct {
	Error string `json:"error"`
}

type EntryResponse struct {
	Identity    string    `json:"identity"`
	Digest      string    `json:"digest"`
	Size        int64     `json:"size"`
	ContentType *string   `json:"contentType,omitempty"`
	Source      *string   `json:"source,omitempty"`
	ArchivedAt  time.Time `json:"archivedAt"`
}

type ArchiveResponse struct {
	EntryResponse
	Deduplicated bool   `json:"deduplicated"`
	Location     string `json:"location"`
}

type ArchiveRequest struct {
	Source      string  `json:"source"`
	Identity    *string `json:"identity"`
	ContentType *string `json:"contentType"`
}

type RecordEntryRequest struct {
	Identity    string     `json:"identity"`
	Digest      string     `json:"digest"`
	Size        int64      `json:"size"`
	ContentType *string    `json:"contentType"`
	Source      *string    `json:"source"`
	ArchivedAt  *time.Time `json:"archivedAt"`
}

func convertEntryToResponse(entry *storage.Entry) EntryResponse {
	return EntryResponse{
		Identity:    entry.Identity,
		Digest:      entry.Digest.String(),
		Size:        entry.Size,
		ContentType: entry.ContentType,
		Source:      entry.Source,
		ArchivedAt:  entry.ArchivedAt,
	}
}

func writeJson(w http.ResponseWriter, statusCode int, body any) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		slog.Error("Error while marshalling response body", "error", err)
		w.WriteHeader(500)
		return
	}
	w.Header().Set(contentTypeHeader, applicationJsonContentType)
	w.WriteHeader(statusCode)
	w.Write(jsonBody)
}

func handleError(err error, w http.ResponseWriter, r *http.Request) {
	statusCode := 500
	errResponse := ErrorResponse{}
	switch {
	case errors.Is(err, storage.ErrEntryNotFound) || errors.Is(err, storage.ErrBlobNotFound):
		statusCode = 404
		errResponse.Error = "NotFound"
	case errors.Is(err, storage.ErrCorruptionDetected):
		statusCode = 500
		errResponse.Error = "CorruptionDetected"
	case errors.Is(err, storage.ErrDanglingReference):
		statusCode = 409
		errResponse.Error = "DanglingReference"
	case errors.Is(err, storage.ErrEntityTooLarge) || errors.Is(err, fetch.ErrContentTooLarge):
		statusCode = 413
		errResponse.Error = "EntityTooLarge"
	case errors.Is(err, fetch.ErrContentFetchFailed):
		statusCode = 502
		errResponse.Error = "ContentFetchFailed"
	case errors.Is(err, storage.ErrIngestionFailed):
		statusCode = 500
		errResponse.Error = "IngestionFailed"
	case errors.Is(err, storage.ErrInvalidDigest):
		statusCode = 400
		errResponse.Error = "InvalidDigest"
	default:
		statusCode = 500
		errResponse.Error = "IOFailure"
	}
	writeJson(w, statusCode, errResponse)
}

func (s *Server) authorizeRequest(ctx context.Context, operation string, identity *string, digest *string, source *string, w http.ResponseWriter, r *http.Request) bool {
	request := &authorization.Request{
		Operation: operation,
		Identity:  identity,
		Digest:    digest,
		Source:    source,
	}
	authorized, err := s.requestAuthorizer.AuthorizeRequest(request)
	if err != nil {
		slog.Error("Authorization error", "error", err)
		handleError(err, w, r)
		return true
	}
	if !authorized {
		slog.Warn("Unauthorized request", "operation", operation)
		w.WriteHeader(403)
		return true
	}
	return false
}

func (s *Server) locationFor(identity string) string {
	return s.publicUrl.JoinPath("archive", identity).String()
}

func (s *Server) archiveContentHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.archiveContentHandler()")
	defer task.End()

	var archiveRequest ArchiveRequest
	err := json.NewDecoder(r.Body).Decode(&archiveRequest)
	if err != nil || archiveRequest.Source == "" {
		writeJson(w, 400, ErrorResponse{Error: "InvalidRequest"})
		return
	}

	identity := archiveRequest.Source
	if archiveRequest.Identity != nil {
		identity = *archiveRequest.Identity
	}
	shouldReturn := s.authorizeRequest(ctx, authorization.OperationArchiveContent, &identity, nil, &archiveRequest.Source, w, r)
	if shouldReturn {
		return
	}

	slog.Info("Archiving content", "source", archiveRequest.Source, "identity", identity)
	fetchResult, err := s.fetcher.Fetch(ctx, archiveRequest.Source)
	if err != nil {
		handleError(err, w, r)
		return
	}
	defer fetchResult.Content.Close()

	contentType := archiveRequest.ContentType
	if contentType == nil {
		contentType = fetchResult.ContentType
	}
	ingestResult, err := s.storage.Ingest(ctx, identity, fetchResult.Content, storage.IngestOptions{
		ContentType: contentType,
		Source:      &archiveRequest.Source,
	})
	if err != nil {
		handleError(err, w, r)
		return
	}

	writeJson(w, 200, ArchiveResponse{
		EntryResponse: convertEntryToResponse(&ingestResult.Entry),
		Deduplicated:  ingestResult.Deduplicated,
		Location:      s.locationFor(ingestResult.Entry.Identity),
	})
}

func (s *Server) putContentHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.putContentHandler()")
	defer task.End()

	identity := r.PathValue(identityPath)
	shouldReturn := s.authorizeRequest(ctx, authorization.OperationPutContent, &identity, nil, nil, w, r)
	if shouldReturn {
		return
	}

	slog.Info("Putting content", "identity", identity)
	contentType := getHeaderAsPtr(r.Header, contentTypeHeader)
	ingestResult, err := s.storage.Ingest(ctx, identity, r.Body, storage.IngestOptions{
		ContentType: contentType,
	})
	if err != nil {
		handleError(err, w, r)
		return
	}

	writeJson(w, 201, ArchiveResponse{
		EntryResponse: convertEntryToResponse(&ingestResult.Entry),
		Deduplicated:  ingestResult.Deduplicated,
		Location:      s.locationFor(ingestResult.Entry.Identity),
	})
}

func (s *Server) getContentHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.getContentHandler()")
	defer task.End()

	identity := r.PathValue(identityPath)
	shouldReturn := s.authorizeRequest(ctx, authorization.OperationGetContent, &identity, nil, nil, w, r)
	if shouldReturn {
		return
	}

	resolveResult, reader, err := s.storage.Resolve(ctx, identity)
	if err != nil {
		handleError(err, w, r)
		return
	}
	defer reader.Close()

	contentType := applicationOctetStreamContentType
	if resolveResult.Entry != nil && resolveResult.Entry.ContentType != nil {
		contentType = *resolveResult.Entry.ContentType
	}
	w.Header().Set(contentTypeHeader, contentType)
	w.Header().Set(archiveDigestHeader, resolveResult.Digest.String())
	if resolveResult.Size >= 0 {
		w.Header().Set(contentLengthHeader, strconv.FormatInt(resolveResult.Size, 10))
	}
	if resolveResult.Entry != nil {
		w.Header().Set(lastModifiedHeader, resolveResult.Entry.ArchivedAt.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(200)
	if r.Method == http.MethodHead {
		return
	}
	_, err = io.Copy(w, reader)
	if err != nil {
		// Headers are already written, aborting the connection is the
		// only remaining way to keep the client from treating the
		// stream as complete.
		slog.Error("Error while streaming content", "identity", identity, "error", err)
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) getBlobHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.getBlobHandler()")
	defer task.End()

	rawDigest := r.PathValue(digestPath)
	shouldReturn := s.authorizeRequest(ctx, authorization.OperationGetBlob, nil, &rawDigest, nil, w, r)
	if shouldReturn {
		return
	}

	digest, err := storage.ParseDigest(rawDigest)
	if err != nil {
		handleError(err, w, r)
		return
	}
	reader, err := s.storage.GetBlob(ctx, *digest)
	if err != nil {
		handleError(err, w, r)
		return
	}
	defer reader.Close()

	w.Header().Set(contentTypeHeader, applicationOctetStreamContentType)
	w.Header().Set(archiveDigestHeader, digest.String())
	w.WriteHeader(200)
	if r.Method == http.MethodHead {
		return
	}
	_, err = io.Copy(w, reader)
	if err != nil {
		slog.Error("Error while streaming blob", "digest", digest, "error", err)
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) listEntriesHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.listEntriesHandler()")
	defer task.End()

	query := r.URL.Query()
	identityFilter := httputils.GetQueryParam(query, identityQuery)
	shouldReturn := s.authorizeRequest(ctx, authorization.OperationListEntries, identityFilter, nil, nil, w, r)
	if shouldReturn {
		return
	}

	timeRange := storage.TimeRange{
		From: time.Time{},
		To:   time.Date(9999, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
	if fromParam := httputils.GetQueryParam(query, fromQuery); fromParam != nil {
		from, err := time.Parse(time.RFC3339, *fromParam)
		if err != nil {
			writeJson(w, 400, ErrorResponse{Error: "InvalidTimeRange"})
			return
		}
		timeRange.From = from.UTC()
	}
	if toParam := httputils.GetQueryParam(query, toQuery); toParam != nil {
		to, err := time.Parse(time.RFC3339, *toParam)
		if err != nil {
			writeJson(w, 400, ErrorResponse{Error: "InvalidTimeRange"})
			return
		}
		timeRange.To = to.UTC()
	}

	scanner, err := s.storage.ScanByTime(ctx, timeRange, scanPageSize)
	if err != nil {
		handleError(err, w, r)
		return
	}
	matchingEntries := []storage.Entry{}
	for {
		entries, err := scanner.Next(ctx)
		if err != nil {
			handleError(err, w, r)
			return
		}
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			if identityFilter != nil && entry.Identity != *identityFilter {
				continue
			}
			matchingEntries = append(matchingEntries, entry)
		}
	}
	entryResponses := sliceutils.Map(func(entry storage.Entry) EntryResponse {
		return convertEntryToResponse(&entry)
	}, matchingEntries)
	writeJson(w, 200, entryResponses)
}

func (s *Server) recordEntryHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.recordEntryHandler()")
	defer task.End()

	var recordRequest RecordEntryRequest
	err := json.NewDecoder(r.Body).Decode(&recordRequest)
	if err != nil || recordRequest.Identity == "" || recordRequest.Digest == "" {
		writeJson(w, 400, ErrorResponse{Error: "InvalidRequest"})
		return
	}
	shouldReturn := s.authorizeRequest(ctx, authorization.OperationRecordEntry, &recordRequest.Identity, &recordRequest.Digest, recordRequest.Source, w, r)
	if shouldReturn {
		return
	}

	digest, err := storage.ParseDigest(recordRequest.Digest)
	if err != nil {
		handleError(err, w, r)
		return
	}
	archivedAt := time.Time{}
	if recordRequest.ArchivedAt != nil {
		archivedAt = *recordRequest.ArchivedAt
	}
	entry := storage.Entry{
		Identity:    recordRequest.Identity,
		Digest:      *digest,
		Size:        recordRequest.Size,
		ContentType: recordRequest.ContentType,
		Source:      recordRequest.Source,
		ArchivedAt:  archivedAt,
	}
	recordedEntry, err := s.storage.Record(ctx, entry)
	if err != nil {
		handleError(err, w, r)
		return
	}
	writeJson(w, 201, convertEntryToResponse(recordedEntry))
}

func getHeaderAsPtr(headers http.Header, name string) *string {
	value := headers.Get(name)
	if value == "" {
		return nil
	}
	return &value
}

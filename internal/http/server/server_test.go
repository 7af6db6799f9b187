package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jdillenkofer/content-archiver/internal/fetch"
	"github.com/jdillenkofer/content-archiver/internal/http/server/authorization"
	"github.com/jdillenkofer/content-archiver/internal/http/server/authorization/lua"
	"github.com/jdillenkofer/content-archiver/internal/storage"
	"github.com/jdillenkofer/content-archiver/internal/storage/blobstore/filesystem"
	"github.com/jdillenkofer/content-archiver/internal/storage/database"
	repositoryFactory "github.com/jdillenkofer/content-archiver/internal/storage/database/repository"
	sqlMetadataStore "github.com/jdillenkofer/content-archiver/internal/storage/metadatastore/sql"
	testutils "github.com/jdillenkofer/content-archiver/internal/testing"
	"github.com/stretchr/testify/assert"
)

const testBearerToken = "test-bearer-token"

func setupArchiveStorage(t *testing.T) (storage.Archive, string) {
	storagePath, err := os.MkdirTemp("", "content-archiver-test-data-")
	if err != nil {
		slog.Error(fmt.Sprintf("Could not create temp directory: %s", err))
		os.Exit(1)
	}
	dbPath := filepath.Join(storagePath, "content-archiver.db")
	db, err := database.OpenDatabase(database.DB_TYPE_SQLITE, dbPath)
	if err != nil {
		slog.Error("Couldn't open database")
		os.Exit(1)
	}
	t.Cleanup(func() {
		db.Close()
		os.RemoveAll(storagePath)
	})

	entryRepository, err := repositoryFactory.NewEntryRepository()
	assert.Nil(t, err)
	metadataStore, err := sqlMetadataStore.New(entryRepository)
	assert.Nil(t, err)
	blobStore, err := filesystem.New(filepath.Join(storagePath, "blobs"))
	assert.Nil(t, err)
	archive, err := storage.NewArchiveStorage(db, metadataStore, blobStore)
	assert.Nil(t, err)

	ctx := context.Background()
	err = archive.Start(ctx)
	assert.Nil(t, err)
	t.Cleanup(func() {
		archive.Stop(ctx)
	})
	return archive, storagePath
}

func allowAllAuthorizer(t *testing.T) authorization.RequestAuthorizer {
	authorizer, err := lua.NewLuaAuthorizer(`
	function authorizeRequest(request)
	  return true
	end
	`)
	assert.Nil(t, err)
	return authorizer
}

func setupTestServer(t *testing.T, requestAuthorizer authorization.RequestAuthorizer) (http.Handler, storage.Archive) {
	archive, _ := setupArchiveStorage(t)
	fetcher := fetch.NewFetcher(5*time.Second, storage.MaxEntitySize)
	handler, err := SetupServer(testBearerToken, "https://archive.example.org", requestAuthorizer, fetcher, archive)
	assert.Nil(t, err)
	return handler, archive
}

func doRequest(handler http.Handler, method string, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, body)
	request.Header.Set("Authorization", "Bearer "+testBearerToken)
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestPutAndGetContentRoundTrip(t *testing.T) {
	testutils.SkipIfIntegration(t)
	handler, _ := setupTestServer(t, allowAllAuthorizer(t))

	content := []byte("archived report body")
	putRecorder := doRequest(handler, http.MethodPut, "/archive/docs/report", bytes.NewReader(content), "text/plain")
	assert.Equal(t, 201, putRecorder.Code)

	var putResponse ArchiveResponse
	err := json.Unmarshal(putRecorder.Body.Bytes(), &putResponse)
	assert.Nil(t, err)
	assert.Equal(t, "docs/report", putResponse.Identity)
	assert.Equal(t, int64(len(content)), putResponse.Size)
	assert.False(t, putResponse.Deduplicated)
	assert.Equal(t, "https://archive.example.org/archive/docs/report", putResponse.Location)

	getRecorder := doRequest(handler, http.MethodGet, "/archive/docs/report", nil, "")
	assert.Equal(t, 200, getRecorder.Code)
	assert.Equal(t, content, getRecorder.Body.Bytes())
	assert.Equal(t, "text/plain", getRecorder.Header().Get("Content-Type"))
	assert.Equal(t, putResponse.Digest, getRecorder.Header().Get("X-Archive-Digest"))
	assert.Equal(t, fmt.Sprint(len(content)), getRecorder.Header().Get("Content-Length"))
	assert.NotEmpty(t, getRecorder.Header().Get("Last-Modified"))
}

func TestHeadContentOmitsBody(t *testing.T) {
	testutils.SkipIfIntegration(t)
	handler, _ := setupTestServer(t, allowAllAuthorizer(t))

	doRequest(handler, http.MethodPut, "/archive/docs/report", bytes.NewReader([]byte("some body")), "text/plain")

	headRecorder := doRequest(handler, http.MethodHead, "/archive/docs/report", nil, "")
	assert.Equal(t, 200, headRecorder.Code)
	assert.Empty(t, headRecorder.Body.Bytes())
	assert.NotEmpty(t, headRecorder.Header().Get("X-Archive-Digest"))
}

func TestGetMissingContentReturnsNotFound(t *testing.T) {
	testutils.SkipIfIntegration(t)
	handler, _ := setupTestServer(t, allowAllAuthorizer(t))

	recorder := doRequest(handler, http.MethodGet, "/archive/docs/missing", nil, "")
	assert.Equal(t, 404, recorder.Code)
	var errorResponse ErrorResponse
	err := json.Unmarshal(recorder.Body.Bytes(), &errorResponse)
	assert.Nil(t, err)
	assert.Equal(t, "NotFound", errorResponse.Error)
}

func TestGetBlobByDigest(t *testing.T) {
	testutils.SkipIfIntegration(t)
	handler, _ := setupTestServer(t, allowAllAuthorizer(t))

	content := []byte("blob content")
	putRecorder := doRequest(handler, http.MethodPut, "/archive/blob-source", bytes.NewReader(content), "")
	assert.Equal(t, 201, putRecorder.Code)
	var putResponse ArchiveResponse
	err := json.Unmarshal(putRecorder.Body.Bytes(), &putResponse)
	assert.Nil(t, err)

	getRecorder := doRequest(handler, http.MethodGet, "/blob/"+putResponse.Digest, nil, "")
	assert.Equal(t, 200, getRecorder.Code)
	assert.Equal(t, content, getRecorder.Body.Bytes())

	invalidRecorder := doRequest(handler, http.MethodGet, "/blob/not-a-digest", nil, "")
	assert.Equal(t, 400, invalidRecorder.Code)
}

func TestArchiveContentFetchesAndIngests(t *testing.T) {
	testutils.SkipIfIntegration(t)
	handler, _ := setupTestServer(t, allowAllAuthorizer(t))

	sourceContent := []byte("remote content to archive")
	sourceServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write(sourceContent)
	}))
	defer sourceServer.Close()

	archiveRequest, err := json.Marshal(ArchiveRequest{
		Source: sourceServer.URL + "/page",
	})
	assert.Nil(t, err)
	recorder := doRequest(handler, http.MethodPost, "/archive", bytes.NewReader(archiveRequest), "application/json")
	assert.Equal(t, 200, recorder.Code)

	var archiveResponse ArchiveResponse
	err = json.Unmarshal(recorder.Body.Bytes(), &archiveResponse)
	assert.Nil(t, err)
	assert.Equal(t, sourceServer.URL+"/page", archiveResponse.Identity)
	assert.NotNil(t, archiveResponse.ContentType)
	assert.Equal(t, "text/html", *archiveResponse.ContentType)
	assert.NotNil(t, archiveResponse.Source)

	getRecorder := doRequest(handler, http.MethodGet, "/blob/"+archiveResponse.Digest, nil, "")
	assert.Equal(t, 200, getRecorder.Code)
	assert.Equal(t, sourceContent, getRecorder.Body.Bytes())
}

func TestArchiveContentFetchFailure(t *testing.T) {
	testutils.SkipIfIntegration(t)
	handler, _ := setupTestServer(t, allowAllAuthorizer(t))

	sourceServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer sourceServer.Close()

	archiveRequest, err := json.Marshal(ArchiveRequest{
		Source: sourceServer.URL + "/broken",
	})
	assert.Nil(t, err)
	recorder := doRequest(handler, http.MethodPost, "/archive", bytes.NewReader(archiveRequest), "application/json")
	assert.Equal(t, 502, recorder.Code)
	var errorResponse ErrorResponse
	err = json.Unmarshal(recorder.Body.Bytes(), &errorResponse)
	assert.Nil(t, err)
	assert.Equal(t, "ContentFetchFailed", errorResponse.Error)
}

func TestListEntriesFiltersByTimeRange(t *testing.T) {
	testutils.SkipIfIntegration(t)
	handler, archive := setupTestServer(t, allowAllAuthorizer(t))
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 4; i++ {
		archivedAt := base.Add(time.Duration(i) * time.Hour)
		_, err := archive.Ingest(ctx, fmt.Sprintf("entries/%d", i), bytes.NewReader([]byte(fmt.Sprintf("entry %d", i))), storage.IngestOptions{
			ArchivedAt: &archivedAt,
		})
		assert.Nil(t, err)
	}

	target := fmt.Sprintf("/entries?from=%s&to=%s",
		base.Add(1*time.Hour).Format(time.RFC3339),
		base.Add(3*time.Hour).Format(time.RFC3339))
	recorder := doRequest(handler, http.MethodGet, target, nil, "")
	assert.Equal(t, 200, recorder.Code)

	var entries []EntryResponse
	err := json.Unmarshal(recorder.Body.Bytes(), &entries)
	assert.Nil(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, "entries/1", entries[0].Identity)
	assert.Equal(t, "entries/2", entries[1].Identity)
}

func TestRecordEntryForStoredDigest(t *testing.T) {
	testutils.SkipIfIntegration(t)
	handler, _ := setupTestServer(t, allowAllAuthorizer(t))

	content := []byte("record me twice")
	putRecorder := doRequest(handler, http.MethodPut, "/archive/original", bytes.NewReader(content), "")
	assert.Equal(t, 201, putRecorder.Code)
	var putResponse ArchiveResponse
	err := json.Unmarshal(putRecorder.Body.Bytes(), &putResponse)
	assert.Nil(t, err)

	recordRequest, err := json.Marshal(RecordEntryRequest{
		Identity: "alias",
		Digest:   putResponse.Digest,
		Size:     putResponse.Size,
	})
	assert.Nil(t, err)
	recorder := doRequest(handler, http.MethodPost, "/entries", bytes.NewReader(recordRequest), "application/json")
	assert.Equal(t, 201, recorder.Code)

	getRecorder := doRequest(handler, http.MethodGet, "/archive/alias", nil, "")
	assert.Equal(t, 200, getRecorder.Code)
	assert.Equal(t, content, getRecorder.Body.Bytes())
}

func TestRecordEntryRejectsDanglingDigest(t *testing.T) {
	testutils.SkipIfIntegration(t)
	handler, _ := setupTestServer(t, allowAllAuthorizer(t))

	recordRequest, err := json.Marshal(RecordEntryRequest{
		Identity: "nowhere",
		Digest:   storage.DigestFromBytes([]byte("never stored")).String(),
		Size:     12,
	})
	assert.Nil(t, err)
	recorder := doRequest(handler, http.MethodPost, "/entries", bytes.NewReader(recordRequest), "application/json")
	assert.Equal(t, 409, recorder.Code)
	var errorResponse ErrorResponse
	err = json.Unmarshal(recorder.Body.Bytes(), &errorResponse)
	assert.Nil(t, err)
	assert.Equal(t, "DanglingReference", errorResponse.Error)
}

// corruptStoredBlob flips a byte in the single blob file under blobDir.
func corruptStoredBlob(t *testing.T, blobDir string) {
	corrupted := false
	err := filepath.WalkDir(blobDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if len(content) == 0 {
			return nil
		}
		content[0] ^= 0xff
		corrupted = true
		return os.WriteFile(path, content, 0644)
	})
	assert.Nil(t, err)
	assert.True(t, corrupted)
}

// A blob that rots on disk after ingestion must never reach the client
// as a clean response. Headers are already written when the verifying
// reader fails, so the handler aborts the connection and the client has
// to observe a transport error instead of a complete body.
func TestCorruptedContentAbortsResponse(t *testing.T) {
	testutils.SkipIfIntegration(t)
	archive, storagePath := setupArchiveStorage(t)
	fetcher := fetch.NewFetcher(5*time.Second, storage.MaxEntitySize)
	handler, err := SetupServer(testBearerToken, "https://archive.example.org", allowAllAuthorizer(t), fetcher, archive)
	assert.Nil(t, err)

	content := []byte("bytes that rot on disk")
	putRecorder := doRequest(handler, http.MethodPut, "/archive/docs/fragile", bytes.NewReader(content), "")
	assert.Equal(t, 201, putRecorder.Code)
	var putResponse ArchiveResponse
	err = json.Unmarshal(putRecorder.Body.Bytes(), &putResponse)
	assert.Nil(t, err)

	corruptStoredBlob(t, filepath.Join(storagePath, "blobs"))

	server := httptest.NewServer(handler)
	defer server.Close()

	for _, target := range []string{
		server.URL + "/archive/docs/fragile",
		server.URL + "/blob/" + putResponse.Digest,
	} {
		request, err := http.NewRequest(http.MethodGet, target, nil)
		assert.Nil(t, err)
		request.Header.Set("Authorization", "Bearer "+testBearerToken)
		response, err := server.Client().Do(request)
		if err != nil {
			// The connection was torn down before the response line.
			continue
		}
		_, readErr := io.ReadAll(response.Body)
		response.Body.Close()
		assert.NotNil(t, readErr)
	}
}

func TestRequestsWithoutBearerTokenAreRejected(t *testing.T) {
	testutils.SkipIfIntegration(t)
	handler, _ := setupTestServer(t, allowAllAuthorizer(t))

	request := httptest.NewRequest(http.MethodGet, "/archive/docs/report", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.Equal(t, 401, recorder.Code)
}

func TestDeniedAuthorizationReturnsForbidden(t *testing.T) {
	testutils.SkipIfIntegration(t)

	denyWrites, err := lua.NewLuaAuthorizer(`
	function authorizeRequest(request)
	  return request.isReadOnly(request)
	end
	`)
	assert.Nil(t, err)
	handler, _ := setupTestServer(t, denyWrites)

	putRecorder := doRequest(handler, http.MethodPut, "/archive/docs/report", bytes.NewReader([]byte("denied")), "")
	assert.Equal(t, 403, putRecorder.Code)

	getRecorder := doRequest(handler, http.MethodGet, "/archive/docs/report", nil, "")
	assert.Equal(t, 404, getRecorder.Code)
}

// Package mfapi provides the signed HTTP client for the MediaFire-style
// remote store API.
package mfapi

import (
	"fmt"
	"time"
)

// RootFolderKey is the sentinel key of the account root folder.
const RootFolderKey = ""

// StatusUploadComplete is the terminal poll_upload status code.
const StatusUploadComplete = 99

// APIError is a remote-side error reported inside a 200 response envelope.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// envelope is the outer JSON wrapper of every API response.
type envelope struct {
	Response struct {
		Result  string `json:"result"`
		Message string `json:"message"`
		Error   int    `json:"error"`

		// user/get_session_token
		SessionToken string `json:"session_token"`
		SecretKey    string `json:"secret_key"`
		Time         string `json:"time"`

		// folder/create
		FolderKey string `json:"folder_key"`

		// upload/simple
		Doupload struct {
			Key       string `json:"key"`
			Status    string `json:"status"`
			FileError string `json:"fileerror"`
			QuickKey  string `json:"quickkey"`
		} `json:"doupload"`

		// file/get_links
		Links []struct {
			QuickKey       string `json:"quickkey"`
			DirectDownload string `json:"direct_download"`
		} `json:"links"`

		// device/get_changes
		Revision uint64       `json:"device_revision"`
		Folders  []FolderInfo `json:"folders"`
		Files    []FileInfo   `json:"files"`
		Deleted  []string     `json:"deleted"`
	} `json:"response"`
}

// FolderInfo is one folder entry of a hierarchy listing.
type FolderInfo struct {
	FolderKey string `json:"folderkey"`
	ParentKey string `json:"parent_folderkey"`
	Name      string `json:"name"`
	Revision  uint64 `json:"revision"`
}

// FileInfo is one file entry of a hierarchy listing.
type FileInfo struct {
	QuickKey  string    `json:"quickkey"`
	ParentKey string    `json:"parent_folderkey"`
	Name      string    `json:"filename"`
	Size      int64     `json:"size,string"`
	Hash      string    `json:"hash"`
	Created   time.Time `json:"created"`
	Revision  uint64    `json:"revision"`
}

// Hierarchy is the full or incremental folder/file listing returned by
// FetchHierarchy. Folders and Files carry parent keys; Deleted lists keys
// removed remotely since the requested revision (incremental fetches only).
type Hierarchy struct {
	Revision uint64
	Folders  []FolderInfo
	Files    []FileInfo
	Deleted  []string
}

// Session holds an authenticated API session, persisted across runs.
type Session struct {
	Email        string `json:"email"`
	SessionToken string `json:"session_token"`
	SecretKey    string `json:"secret_key"`
	Time         string `json:"time"`
}

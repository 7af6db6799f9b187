package authorization

const (
	OperationArchiveContent = "ArchiveContent"
	OperationPutContent     = "PutContent"
	OperationGetContent     = "GetContent"
	OperationHeadContent    = "HeadContent"
	OperationGetBlob        = "GetBlob"
	OperationListEntries    = "ListEntries"
	OperationRecordEntry    = "RecordEntry"
)

type Request struct {
	Operation string
	Identity  *string
	Digest    *string
	Source    *string
}

type RequestAuthorizer interface {
	AuthorizeRequest(request *Request) (bool, error)
}

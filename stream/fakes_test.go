package stream

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/blobkit/blockstream/remote"
)

// fakeStore is an in-memory block store with server-side condition
// evaluation, used to observe the stream's remote calls.
type fakeStore struct {
	mu         sync.Mutex
	containers map[string]bool
	resources  map[string]*fakeResource
	staged     map[string]map[string][]byte
	leases     map[string]string
	etagSeq    int

	uploadErr error

	createCalls int
	uploadCalls int
	commitCalls int
	uploadSizes []int
}

type fakeResource struct {
	content  []byte
	etag     string
	metadata map[string]string
	tags     map[string]string
	headers  remote.Headers
}

func newFakeStore(containers ...string) *fakeStore {
	store := &fakeStore{
		containers: map[string]bool{},
		resources:  map[string]*fakeResource{},
		staged:     map[string]map[string][]byte{},
		leases:     map[string]string{},
	}
	for _, c := range containers {
		store.containers[c] = true
	}
	return store
}

func (f *fakeStore) CreateOrOverwrite(ctx context.Context, resource string, opts remote.CreateOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++

	if err := f.checkContainer(resource); err != nil {
		return "", err
	}
	if err := f.checkConditions(resource, opts.Conditions); err != nil {
		return "", err
	}

	res := &fakeResource{
		content: []byte{},
		etag:    f.nextETag(),
	}
	f.resources[resource] = res
	delete(f.staged, resource)
	return res.etag, nil
}

func (f *fakeStore) UploadBlock(ctx context.Context, resource, blockID string, data []byte, cond remote.AccessConditions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCalls++

	if err := f.checkContainer(resource); err != nil {
		return err
	}
	if err := f.checkConditions(resource, cond); err != nil {
		return err
	}
	if f.uploadErr != nil {
		return f.uploadErr
	}

	if f.staged[resource] == nil {
		f.staged[resource] = map[string][]byte{}
	}
	f.staged[resource][blockID] = append([]byte{}, data...)
	f.uploadSizes = append(f.uploadSizes, len(data))
	return nil
}

func (f *fakeStore) CommitBlockList(ctx context.Context, resource string, blockIDs []string, opts remote.CommitOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitCalls++

	if err := f.checkContainer(resource); err != nil {
		return "", err
	}
	if err := f.checkConditions(resource, opts.Conditions); err != nil {
		return "", err
	}

	var content []byte
	for _, id := range blockIDs {
		block, ok := f.staged[resource][id]
		if !ok {
			return "", fmt.Errorf("unknown block id %s", id)
		}
		content = append(content, block...)
	}

	res := f.resources[resource]
	if res == nil {
		res = &fakeResource{}
		f.resources[resource] = res
	}
	res.content = content
	if content == nil {
		res.content = []byte{}
	}
	res.etag = f.nextETag()
	if opts.Metadata != nil {
		res.metadata = opts.Metadata
	}
	if opts.Tags != nil {
		res.tags = opts.Tags
	}
	if !opts.Headers.IsZero() {
		res.headers = opts.Headers
	}
	// Committed blocks stay referenceable by later commits of the same
	// resource, mirroring real block stores.
	return res.etag, nil
}

func (f *fakeStore) GetProperties(ctx context.Context, resource string) (remote.Properties, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	res := f.resources[resource]
	if res == nil {
		return remote.Properties{}, &remote.Error{Code: remote.CodeResourceNotFound, StatusCode: http.StatusNotFound}
	}
	return remote.Properties{
		ETag:          res.etag,
		ContentLength: int64(len(res.content)),
		Metadata:      res.metadata,
		Headers:       res.headers,
	}, nil
}

func (f *fakeStore) GetMetadata(ctx context.Context, resource string) (map[string]string, error) {
	props, err := f.GetProperties(ctx, resource)
	if err != nil {
		return nil, err
	}
	return props.Metadata, nil
}

func (f *fakeStore) AcquireLease(ctx context.Context, resource, proposedID string, cond remote.AccessConditions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, leased := f.leases[resource]; leased {
		return "", &remote.Error{Code: remote.CodeLeaseAlreadyPresent, StatusCode: http.StatusConflict}
	}
	f.leases[resource] = proposedID
	return proposedID, nil
}

// externalModify simulates another actor replacing the resource's content.
func (f *fakeStore) externalModify(resource string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	res := f.resources[resource]
	if res == nil {
		res = &fakeResource{}
		f.resources[resource] = res
	}
	res.content = append([]byte{}, content...)
	res.etag = f.nextETag()
}

func (f *fakeStore) contentOf(resource string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	res := f.resources[resource]
	if res == nil {
		return nil
	}
	return append([]byte{}, res.content...)
}

func (f *fakeStore) resourceExists(resource string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resources[resource] != nil
}

func (f *fakeStore) checkContainer(resource string) error {
	container := strings.SplitN(resource, "/", 2)[0]
	if !f.containers[container] {
		return &remote.Error{
			Code:       remote.CodeContainerNotFound,
			StatusCode: http.StatusNotFound,
			Message:    fmt.Sprintf("container %s does not exist", container),
		}
	}
	return nil
}

func (f *fakeStore) checkConditions(resource string, cond remote.AccessConditions) error {
	res := f.resources[resource]

	if cond.IfMatch != "" && (res == nil || res.etag != cond.IfMatch) {
		return &remote.Error{Code: remote.CodeConditionNotMet, StatusCode: http.StatusPreconditionFailed}
	}
	if cond.IfNoneMatch == "*" && res != nil {
		return &remote.Error{Code: remote.CodeConditionNotMet, StatusCode: http.StatusPreconditionFailed}
	}
	if cond.LeaseID != "" && f.leases[resource] != cond.LeaseID {
		return &remote.Error{Code: remote.CodeConditionNotMet, StatusCode: http.StatusPreconditionFailed}
	}
	return nil
}

func (f *fakeStore) nextETag() string {
	f.etagSeq++
	return fmt.Sprintf("etag-%d", f.etagSeq)
}

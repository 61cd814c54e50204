package session

import (
	"crypto/rand"

	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"

	"github.com/effective-security/xtoken/mechanism"
	"github.com/effective-security/xtoken/store"
	"github.com/effective-security/xtoken/tpmutil"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "session")

const (
	defaultAuthDataBytes = 20
	maxRSAOutputBytes    = 2048
	minRSAKeyBits        = 512
	maxRSAKeyBits        = maxRSAOutputBytes * 8
)

// maxOutUnlimited is passed to internal steps that consume their own
// output.
const maxOutUnlimited = int(^uint(0) >> 1)

// Session is a single open session against a token slot. It owns a
// session-private object pool, one operation context per operation
// kind, a find cursor, and a cache of hardware key handles.
type Session struct {
	slotID      int
	readOnly    bool
	factory     store.Factory
	tokenPool   store.Pool
	sessionPool store.Pool
	tpm         tpmutil.TPMUtility

	contexts [mechanism.NumOperations]operationContext

	findResults []int
	findOffset  int
	findValid   bool

	// Hardware key handles cached by object handle for the session's
	// lifetime.
	tpmHandles map[int]int

	legacyLoaded   bool
	privateRootKey int
	publicRootKey  int
}

// NewSession opens a session against the given slot. The token pool,
// hardware backend and factory are shared collaborators; the session
// pool is created here and torn down with the session.
func NewSession(
	slotID int,
	tokenPool store.Pool,
	tpm tpmutil.TPMUtility,
	factory store.Factory,
	hg store.HandleGenerator,
	readOnly bool,
) (*Session, error) {
	if tokenPool == nil || tpm == nil || factory == nil || hg == nil {
		return nil, errors.Errorf("missing session collaborator")
	}
	return &Session{
		slotID:      slotID,
		readOnly:    readOnly,
		factory:     factory,
		tokenPool:   tokenPool,
		sessionPool: factory.CreateObjectPool(hg),
		tpm:         tpm,
		tpmHandles:  make(map[int]int),
	}, nil
}

// Close releases every open operation context and drops the session
// pool.
func (s *Session) Close() {
	for op := mechanism.Operation(0); op < mechanism.NumOperations; op++ {
		s.contexts[op].clear()
	}
	s.sessionPool = nil
}

// GetSlot returns the slot the session is open against.
func (s *Session) GetSlot() int {
	return s.slotID
}

// GetState returns the PKCS#11 session state.
func (s *Session) GetState() uint {
	if s.readOnly {
		return pkcs11.CKS_RO_USER_FUNCTIONS
	}
	return pkcs11.CKS_RW_USER_FUNCTIONS
}

// IsReadOnly reports whether the session is read-only.
func (s *Session) IsReadOnly() bool {
	return s.readOnly
}

// IsOperationActive reports whether a context of the given kind is
// open.
func (s *Session) IsOperationActive(op mechanism.Operation) bool {
	return s.contexts[op].valid
}

// IsPrivateLoaded reports whether the token's private objects are
// available.
func (s *Session) IsPrivateLoaded() bool {
	return s.tokenPool.IsPrivateLoaded()
}

// CreateObject builds a new object from the template and inserts it
// into the pool matching its persistence attribute.
func (s *Session) CreateObject(attrs []*pkcs11.Attribute) (int, error) {
	return s.createObjectInternal(attrs, nil)
}

// CopyObject builds a new object by copying an existing one and
// applying the template on top.
func (s *Session) CopyObject(attrs []*pkcs11.Attribute, objectHandle int) (int, error) {
	orig, ok := s.GetObject(objectHandle)
	if !ok {
		return 0, pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	return s.createObjectInternal(attrs, orig)
}

// DestroyObject removes the object from its pool.
func (s *Session) DestroyObject(objectHandle int) error {
	obj, ok := s.GetObject(objectHandle)
	if !ok {
		return pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	return store.RVError(s.poolFor(obj).Delete(obj), pkcs11.CKR_GENERAL_ERROR)
}

// GetObject finds an object by handle in the token pool, then in the
// session pool.
func (s *Session) GetObject(objectHandle int) (store.Object, bool) {
	if obj, res := s.tokenPool.FindByHandle(objectHandle); res == store.Success {
		return obj, true
	}
	if obj, res := s.sessionPool.FindByHandle(objectHandle); res == store.Success {
		return obj, true
	}
	return nil, false
}

// GetModifiableObject returns a mutable view of the object.
func (s *Session) GetModifiableObject(objectHandle int) (store.Object, bool) {
	obj, ok := s.GetObject(objectHandle)
	if !ok {
		return nil, false
	}
	return s.poolFor(obj).GetModifiableObject(obj), true
}

// FlushModifiableObject persists a modified object.
func (s *Session) FlushModifiableObject(obj store.Object) error {
	return store.RVError(s.poolFor(obj).Flush(obj), pkcs11.CKR_FUNCTION_FAILED)
}

// FindObjectsInit starts a find sequence over both pools. A template
// without CKA_TOKEN searches token and session objects.
func (s *Session) FindObjectsInit(attrs []*pkcs11.Attribute) error {
	if s.findValid {
		return pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}
	template := s.factory.CreateObject()
	if err := template.SetAttributes(attrs); err != nil {
		return err
	}
	var objects []store.Object
	if !template.IsAttributePresent(pkcs11.CKA_TOKEN) || template.IsTokenObject() {
		found, res := s.tokenPool.Find(template)
		if res != store.Success {
			return store.RVError(res, pkcs11.CKR_GENERAL_ERROR)
		}
		objects = append(objects, found...)
	}
	if !template.IsAttributePresent(pkcs11.CKA_TOKEN) || !template.IsTokenObject() {
		found, res := s.sessionPool.Find(template)
		if res != store.Success {
			return store.RVError(res, pkcs11.CKR_GENERAL_ERROR)
		}
		objects = append(objects, found...)
	}
	s.findResults = s.findResults[:0]
	s.findOffset = 0
	s.findValid = true
	for _, obj := range objects {
		s.findResults = append(s.findResults, obj.Handle())
	}
	return nil
}

// FindObjects returns up to maxCount handles from the find cursor.
func (s *Session) FindObjects(maxCount int) ([]int, error) {
	if !s.findValid {
		return nil, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	end := s.findOffset + maxCount
	if end > len(s.findResults) {
		end = len(s.findResults)
	}
	handles := s.findResults[s.findOffset:end]
	s.findOffset = end
	return handles, nil
}

// FindObjectsFinal ends the find sequence.
func (s *Session) FindObjectsFinal() error {
	if !s.findValid {
		return pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	s.findValid = false
	return nil
}

// GenerateRandom returns numBytes of random data.
func (s *Session) GenerateRandom(numBytes int) ([]byte, error) {
	return generateRandom(numBytes)
}

// SeedRandom mixes caller entropy into the random source. The system
// random source cannot be seeded externally, so the seed is discarded.
func (s *Session) SeedRandom(seed []byte) error {
	logger.Debugf("op=seed_random, len=%d", len(seed))
	return nil
}

func (s *Session) poolFor(obj store.Object) store.Pool {
	if obj.IsTokenObject() {
		return s.tokenPool
	}
	return s.sessionPool
}

func (s *Session) createObjectInternal(attrs []*pkcs11.Attribute, copyFrom store.Object) (int, error) {
	obj := s.factory.CreateObject()
	if copyFrom != nil {
		if err := obj.Copy(copyFrom); err != nil {
			return 0, err
		}
	}
	if err := obj.SetAttributes(attrs); err != nil {
		return 0, err
	}
	if copyFrom == nil {
		if err := obj.FinalizeNewObject(); err != nil {
			return 0, err
		}
	}
	pool := s.sessionPool
	if obj.IsTokenObject() {
		// Token-persistent private keys are sealed by the hardware
		// backend before they hit storage.
		if err := s.WrapPrivateKey(obj); err != nil {
			return 0, err
		}
		pool = s.tokenPool
	}
	if res := pool.Insert(obj); res != store.Success {
		return 0, store.RVError(res, pkcs11.CKR_GENERAL_ERROR)
	}
	return obj.Handle(), nil
}

func generateRandom(numBytes int) ([]byte, error) {
	buf := make([]byte, numBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf, nil
}

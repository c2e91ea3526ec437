package memkernel

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/outofforest/objspace/kernel"
	"github.com/outofforest/objspace/meta"
	"github.com/outofforest/objspace/pkg/futex"
	"github.com/outofforest/objspace/pkg/objmem"
	"github.com/outofforest/objspace/types"
)

var _ kernel.Kernel = &Kernel{}

const createProtFlags = kernel.CreateHashData | kernel.CreateDflRead | kernel.CreateDflWrite | kernel.CreateDflExec |
	kernel.CreateDflUse | kernel.CreateDflDel

// Config is the configuration of the kernel.
type Config struct {
	// Dir is the directory where persistent objects are stored. If empty, persistent objects are kept in memory
	// and survive only Reboot.
	Dir string

	// MaxObjects limits the number of objects. Zero means no limit.
	MaxObjects int

	// Entropy is the source of randomness used to generate IDs and nonces. Defaults to crypto/rand.
	Entropy io.Reader

	Logger *zap.Logger
}

type object struct {
	id         types.ObjectID
	mem        *objmem.Memory
	persistent bool
	mappings   int
	tied       []types.ObjectID
}

// Kernel keeps all the objects in memory of the current process.
type Kernel struct {
	*futex.Sync

	config  Config
	log     *zap.Logger
	entropy io.Reader

	mu      sync.Mutex
	objects map[types.ObjectID]*object
	// zombies are deleted objects still mapped by someone.
	zombies map[types.ObjectID]*object

	invalidations atomic.Uint64
}

// New creates new kernel. If directory is configured, objects stored there are loaded.
func New(config Config) (*Kernel, error) {
	entropy := config.Entropy
	if entropy == nil {
		entropy = rand.Reader
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}

	k := &Kernel{
		Sync:    futex.NewSync(uint64(time.Now().UnixNano()) >> 1),
		config:  config,
		log:     log,
		entropy: ulid.Monotonic(entropy, 0),
		objects: map[types.ObjectID]*object{},
		zombies: map[types.ObjectID]*object{},
	}
	if config.Dir != "" {
		if err := k.load(); err != nil {
			_ = k.Close()
			return nil, err
		}
	}
	return k, nil
}

// Create creates new object.
func (k *Kernel) Create(spec kernel.CreateSpec) (types.ObjectID, error) {
	if spec.Backing != kernel.BackingNormal {
		return types.ObjectID{}, osError(unix.EINVAL)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.config.MaxObjects > 0 && len(k.objects) >= k.config.MaxObjects {
		return types.ObjectID{}, osError(unix.ENOSPC)
	}
	for _, tie := range spec.Ties {
		if tie.View {
			return types.ObjectID{}, errors.Wrap(osError(unix.EINVAL), "view tie must be resolved before creation")
		}
		if _, exists := k.objects[tie.ID]; !exists {
			return types.ObjectID{}, errors.Wrapf(osError(unix.ENOENT), "tied object %s does not exist", tie.ID)
		}
	}
	for _, src := range spec.Sources {
		if src.Start+src.Length > types.MaxSize || src.Start+src.Length < src.Start {
			return types.ObjectID{}, errors.Wrapf(osError(unix.EINVAL), "invalid source range %#x-%#x", src.Start,
				src.Start+src.Length)
		}
		if _, exists := k.objects[src.ID]; !exists {
			return types.ObjectID{}, errors.Wrapf(osError(unix.ENOENT), "source object %s does not exist", src.ID)
		}
	}

	var id types.ObjectID
	if spec.Flags&kernel.CreateHashData != 0 {
		id = checksumID(spec.Sources, func(src kernel.SrcSpec) []byte {
			return k.objects[src.ID].mem.Bytes()[src.Start : src.Start+src.Length]
		})
	} else {
		ulidID, err := ulid.New(ulid.Now(), k.entropy)
		if err != nil {
			return types.ObjectID{}, errors.WithStack(err)
		}
		id = types.ObjectID(ulidID)
	}
	if k.objects[id] != nil || k.zombies[id] != nil {
		return types.ObjectID{}, errors.Wrapf(osError(unix.EEXIST), "object %s already exists", id)
	}

	persistent := spec.Lifetime == kernel.LifetimePersistent
	mem, err := k.allocate(id, persistent)
	if err != nil {
		return types.ObjectID{}, err
	}

	for _, src := range spec.Sources {
		copy(mem.Bytes()[src.Start:src.Start+src.Length], k.objects[src.ID].mem.Bytes()[src.Start:src.Start+src.Length])
	}

	params := meta.InitParams{
		PFlags: meta.ProtFlags(spec.Flags & createProtFlags),
		KUID:   spec.KU,
	}
	if spec.Flags&kernel.CreateZeroNonce == 0 {
		nonce, err := uuid.NewRandomFromReader(k.entropy)
		if err != nil {
			_ = mem.Close()
			return types.ObjectID{}, errors.WithStack(err)
		}
		params.Nonce = nonce
	}
	meta.Init(mem.Bytes(), params)

	if persistent {
		if err := k.persist(mem); err != nil {
			k.release(&object{id: id, mem: mem, persistent: true})
			return types.ObjectID{}, err
		}
	}

	k.objects[id] = &object{
		id:         id,
		mem:        mem,
		persistent: persistent,
	}
	for _, tie := range spec.Ties {
		o := k.objects[tie.ID]
		o.tied = append(o.tied, id)
	}

	k.log.Debug("Object created", zap.Stringer("id", id), zap.Bool("persistent", persistent))
	return id, nil
}

// Map returns memory of the object.
func (k *Kernel) Map(id types.ObjectID, prot types.Prot) (*objmem.Memory, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	o, exists := k.objects[id]
	if !exists {
		return nil, errors.Wrapf(osError(unix.ENOENT), "object %s does not exist", id)
	}
	o.mappings++
	return o.mem, nil
}

// Unmap releases the mapping of the object.
func (k *Kernel) Unmap(id types.ObjectID) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	o, exists := k.objects[id]
	if !exists {
		o, exists = k.zombies[id]
	}
	if !exists || o.mappings == 0 {
		return errors.Wrapf(osError(unix.EINVAL), "object %s is not mapped", id)
	}

	o.mappings--
	if o.mappings == 0 && k.zombies[id] == o {
		delete(k.zombies, id)
		k.release(o)
	}
	return nil
}

// Delete deletes the object and all the objects tied to it.
func (k *Kernel) Delete(id types.ObjectID) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.delete(id)
}

// Invalidate counts invalidated mappings.
func (k *Kernel) Invalidate(view types.ObjectID, ops []kernel.InvalidateOp) {
	k.invalidations.Add(uint64(len(ops)))
	for _, op := range ops {
		k.log.Debug("Mapping invalidated", zap.Stringer("view", view), zap.Stringer("start", op.Start),
			zap.Uint64("length", op.Length))
	}
}

// Invalidations returns the number of mappings invalidated so far.
func (k *Kernel) Invalidations() uint64 {
	return k.invalidations.Load()
}

// Exists returns true if object exists.
func (k *Kernel) Exists(id types.ObjectID) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, exists := k.objects[id]
	return exists
}

// Objects returns the number of existing objects.
func (k *Kernel) Objects() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return len(k.objects)
}

// Reboot simulates power cycle: reset epoch changes, volatile objects disappear, all mappings are dropped.
func (k *Kernel) Reboot() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()

	for id, o := range k.zombies {
		delete(k.zombies, id)
		k.release(o)
	}
	for id, o := range k.objects {
		o.mappings = 0
		if o.persistent {
			continue
		}
		delete(k.objects, id)
		k.release(o)
	}

	epoch := k.NextResetEpoch()
	k.log.Info("Kernel rebooted", zap.Uint64("resetEpoch", epoch), zap.Int("objects", len(k.objects)))
	return epoch
}

// Close unmaps memory of all the objects. Files of persistent objects are kept.
func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var err error
	for _, objects := range []map[types.ObjectID]*object{k.objects, k.zombies} {
		for id, o := range objects {
			delete(objects, id)
			if err2 := o.mem.Close(); err2 != nil && err == nil {
				err = err2
			}
		}
	}
	return err
}

func (k *Kernel) delete(id types.ObjectID) error {
	o, exists := k.objects[id]
	if !exists {
		return errors.Wrapf(osError(unix.ENOENT), "object %s does not exist", id)
	}
	delete(k.objects, id)

	for _, tiedID := range o.tied {
		if _, exists := k.objects[tiedID]; exists {
			if err := k.delete(tiedID); err != nil {
				return err
			}
		}
	}

	if o.mappings > 0 {
		k.zombies[id] = o
	} else {
		k.release(o)
	}
	k.log.Debug("Object deleted", zap.Stringer("id", id))
	return nil
}

func (k *Kernel) allocate(id types.ObjectID, persistent bool) (*objmem.Memory, error) {
	if !persistent || k.config.Dir == "" {
		return objmem.NewAnonymous()
	}
	return objmem.OpenFile(k.path(id), true)
}

// persist flushes metadata of the object and verifies that it reached the storage.
func (k *Kernel) persist(mem *objmem.Memory) error {
	if !mem.Persistent() {
		return nil
	}
	if err := mem.Flush(types.MetaInfoOffset, meta.Size); err != nil {
		return err
	}
	stored, err := mem.ReadDirect(types.MetaInfoOffset, meta.Size)
	if err != nil {
		return err
	}
	return meta.ValidateBytes(stored)
}

func (k *Kernel) release(o *object) {
	if err := o.mem.Close(); err != nil {
		k.log.Error("Closing object memory failed", zap.Stringer("id", o.id), zap.Error(err))
	}
	if o.persistent && k.config.Dir != "" {
		if err := os.Remove(k.path(o.id)); err != nil && !os.IsNotExist(err) {
			k.log.Error("Removing object file failed", zap.Stringer("id", o.id), zap.Error(err))
		}
	}
}

func (k *Kernel) load() error {
	entries, err := os.ReadDir(k.config.Dir)
	if err != nil {
		return errors.WithStack(err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		idBytes, err := hex.DecodeString(entry.Name())
		if err != nil || len(idBytes) != len(types.ObjectID{}) {
			continue
		}
		var id types.ObjectID
		copy(id[:], idBytes)

		mem, err := objmem.OpenFile(filepath.Join(k.config.Dir, entry.Name()), false)
		if err != nil {
			return err
		}
		stored, err := mem.ReadDirect(types.MetaInfoOffset, meta.Size)
		if err == nil {
			err = meta.ValidateBytes(stored)
		}
		if err != nil {
			k.log.Warn("Skipping invalid object file", zap.String("file", entry.Name()), zap.Error(err))
			_ = mem.Close()
			continue
		}

		k.objects[id] = &object{
			id:         id,
			mem:        mem,
			persistent: true,
		}
	}
	k.log.Info("Objects loaded", zap.String("dir", k.config.Dir), zap.Int("objects", len(k.objects)))
	return nil
}

func (k *Kernel) path(id types.ObjectID) string {
	return filepath.Join(k.config.Dir, id.String())
}

func osError(code unix.Errno) error {
	return errors.WithStack(&types.OSError{Code: int(code)})
}

// Package server exposes the transactional and raw KV API over storage. The
// method set mirrors the gRPC service so an RPC layer can delegate straight
// into it.
package server

import (
	"context"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/tidekv/tidekv/kv/config"
	"github.com/tidekv/tidekv/kv/engine_util"
	"github.com/tidekv/tidekv/kv/storage"
	"github.com/tidekv/tidekv/kv/transaction/commands"
	"github.com/tidekv/tidekv/kv/transaction/concurrency"
	"github.com/tidekv/tidekv/kv/transaction/latches"
	"github.com/tidekv/tidekv/kv/transaction/scheduler"
)

type Server struct {
	storage   storage.Storage
	scheduler *scheduler.Scheduler
	cm        *concurrency.ConcurrencyManager
	conf      *config.Storage

	// readTokens bounds the number of in-flight reads. Reads fail fast when
	// no token is available rather than queueing without bound.
	readTokens chan struct{}
}

func NewServer(st storage.Storage, conf *config.Storage) *Server {
	cm := concurrency.NewConcurrencyManager(0)
	return &Server{
		storage:    st,
		scheduler:  scheduler.NewScheduler(st, cm, conf),
		cm:         cm,
		conf:       conf,
		readTokens: make(chan struct{}, conf.ReadPoolSize),
	}
}

func (svr *Server) Stop() {
	svr.scheduler.Stop()
}

// Latches exposes the scheduler's latches for test instrumentation.
func (svr *Server) Latches() *latches.Latches {
	return svr.scheduler.Latches
}

type schedResult struct {
	resp interface{}
	err  error
}

// run schedules cmd and blocks until its callback fires.
func (svr *Server) run(cmd commands.Command) (interface{}, error) {
	ch := make(chan schedResult, 1)
	svr.scheduler.Run(cmd, func(resp interface{}, err error) {
		ch <- schedResult{resp, err}
	})
	r := <-ch
	return r.resp, r.err
}

func (svr *Server) acquireReadToken() error {
	select {
	case svr.readTokens <- struct{}{}:
		return nil
	default:
		return scheduler.ErrSchedTooBusy
	}
}

func (svr *Server) releaseReadToken() {
	<-svr.readTokens
}

func (svr *Server) checkKeySize(keys ...[]byte) error {
	for _, key := range keys {
		if len(key) > svr.conf.MaxKeySize {
			return &ErrKeyTooLarge{KeySize: len(key), Limit: svr.conf.MaxKeySize}
		}
	}
	return nil
}

func bypassLocks(ctx *kvrpcpb.Context) map[uint64]struct{} {
	resolved := ctx.GetResolvedLocks()
	if len(resolved) == 0 {
		return nil
	}
	bypass := make(map[uint64]struct{}, len(resolved))
	for _, ts := range resolved {
		bypass[ts] = struct{}{}
	}
	return bypass
}

// checkMemoryLocks performs the pre-snapshot checks for a point read: raise
// the read watermark, then make sure no in-flight async commit can land
// inside the snapshot we are about to take.
func (svr *Server) checkMemoryLocks(ctx *kvrpcpb.Context, version uint64, keys ...[]byte) error {
	if !svr.conf.EnableAsyncCommit {
		return nil
	}
	svr.cm.UpdateMaxTs(version)
	bypass := bypassLocks(ctx)
	for _, key := range keys {
		if err := svr.cm.ReadKeyCheck(key, version, bypass); err != nil {
			return err
		}
	}
	return nil
}

func (svr *Server) checkMemoryRangeLocks(ctx *kvrpcpb.Context, version uint64, startKey, endKey []byte) error {
	if !svr.conf.EnableAsyncCommit {
		return nil
	}
	svr.cm.UpdateMaxTs(version)
	return svr.cm.ReadRangeCheck(startKey, endKey, version, bypassLocks(ctx))
}

func (svr *Server) KvGet(ctx context.Context, req *kvrpcpb.GetRequest) (*kvrpcpb.GetResponse, error) {
	if err := svr.checkKeySize(req.Key); err != nil {
		return &kvrpcpb.GetResponse{Error: convertToKeyError(err)}, nil
	}
	if err := svr.acquireReadToken(); err != nil {
		return &kvrpcpb.GetResponse{RegionError: extractRegionError(err)}, nil
	}
	defer svr.releaseReadToken()
	if err := svr.checkMemoryLocks(req.Context, req.Version, req.Key); err != nil {
		return &kvrpcpb.GetResponse{Error: convertToKeyError(err)}, nil
	}

	cmd := commands.NewGet(req)
	resp, err := commands.RunCommand(&cmd, svr.storage, svr.scheduler.Latches, svr.cm)
	if err != nil {
		return &kvrpcpb.GetResponse{Error: convertToKeyError(err)}, nil
	}
	return resp.(*kvrpcpb.GetResponse), nil
}

func (svr *Server) KvBatchGet(ctx context.Context, req *kvrpcpb.BatchGetRequest) (*kvrpcpb.BatchGetResponse, error) {
	if err := svr.checkKeySize(req.Keys...); err != nil {
		return &kvrpcpb.BatchGetResponse{Pairs: []*kvrpcpb.KvPair{{Error: convertToKeyError(err)}}}, nil
	}
	if err := svr.acquireReadToken(); err != nil {
		return &kvrpcpb.BatchGetResponse{RegionError: extractRegionError(err)}, nil
	}
	defer svr.releaseReadToken()
	if err := svr.checkMemoryLocks(req.Context, req.Version, req.Keys...); err != nil {
		return &kvrpcpb.BatchGetResponse{Pairs: []*kvrpcpb.KvPair{{Error: convertToKeyError(err)}}}, nil
	}

	cmd := commands.NewBatchGet(req)
	resp, err := commands.RunCommand(&cmd, svr.storage, svr.scheduler.Latches, svr.cm)
	if err != nil {
		return &kvrpcpb.BatchGetResponse{Pairs: []*kvrpcpb.KvPair{{Error: convertToKeyError(err)}}}, nil
	}
	return resp.(*kvrpcpb.BatchGetResponse), nil
}

func (svr *Server) KvScan(ctx context.Context, req *kvrpcpb.ScanRequest) (*kvrpcpb.ScanResponse, error) {
	if err := svr.checkKeySize(req.StartKey); err != nil {
		return &kvrpcpb.ScanResponse{Pairs: []*kvrpcpb.KvPair{{Error: convertToKeyError(err)}}}, nil
	}
	if err := svr.acquireReadToken(); err != nil {
		return &kvrpcpb.ScanResponse{RegionError: extractRegionError(err)}, nil
	}
	defer svr.releaseReadToken()
	startKey, endKey := req.StartKey, req.EndKey
	if req.Reverse {
		startKey, endKey = endKey, startKey
	}
	if err := svr.checkMemoryRangeLocks(req.Context, req.Version, startKey, endKey); err != nil {
		return &kvrpcpb.ScanResponse{Pairs: []*kvrpcpb.KvPair{{Error: convertToKeyError(err)}}}, nil
	}

	cmd := commands.NewScan(req)
	resp, err := commands.RunCommand(&cmd, svr.storage, svr.scheduler.Latches, svr.cm)
	if err != nil {
		return &kvrpcpb.ScanResponse{Pairs: []*kvrpcpb.KvPair{{Error: convertToKeyError(err)}}}, nil
	}
	return resp.(*kvrpcpb.ScanResponse), nil
}

func (svr *Server) KvPrewrite(ctx context.Context, req *kvrpcpb.PrewriteRequest) (*kvrpcpb.PrewriteResponse, error) {
	for _, m := range req.Mutations {
		if err := svr.checkKeySize(m.Key); err != nil {
			return &kvrpcpb.PrewriteResponse{Errors: []*kvrpcpb.KeyError{convertToKeyError(err)}}, nil
		}
	}
	cmd := commands.NewPrewrite(req)
	resp, err := svr.run(&cmd)
	if err != nil {
		keyErr, regionErr := convertToPBError(err)
		return &kvrpcpb.PrewriteResponse{Errors: []*kvrpcpb.KeyError{keyErr}, RegionError: regionErr}, nil
	}
	return resp.(*kvrpcpb.PrewriteResponse), nil
}

func (svr *Server) KvCommit(ctx context.Context, req *kvrpcpb.CommitRequest) (*kvrpcpb.CommitResponse, error) {
	if err := svr.checkKeySize(req.Keys...); err != nil {
		return &kvrpcpb.CommitResponse{Error: convertToKeyError(err)}, nil
	}
	cmd := commands.NewCommit(req)
	resp, err := svr.run(&cmd)
	if err != nil {
		response := new(kvrpcpb.CommitResponse)
		response.Error, response.RegionError = convertToPBError(err)
		return response, nil
	}
	return resp.(*kvrpcpb.CommitResponse), nil
}

func (svr *Server) KvBatchRollback(ctx context.Context, req *kvrpcpb.BatchRollbackRequest) (*kvrpcpb.BatchRollbackResponse, error) {
	cmd := commands.NewRollback(req)
	resp, err := svr.run(&cmd)
	if err != nil {
		response := new(kvrpcpb.BatchRollbackResponse)
		response.Error, response.RegionError = convertToPBError(err)
		return response, nil
	}
	return resp.(*kvrpcpb.BatchRollbackResponse), nil
}

func (svr *Server) KvCleanup(ctx context.Context, req *kvrpcpb.CleanupRequest) (*kvrpcpb.CleanupResponse, error) {
	cmd := commands.NewCleanup(req)
	resp, err := svr.run(&cmd)
	if err != nil {
		response := new(kvrpcpb.CleanupResponse)
		response.Error, response.RegionError = convertToPBError(err)
		return response, nil
	}
	return resp.(*kvrpcpb.CleanupResponse), nil
}

func (svr *Server) KvCheckTxnStatus(ctx context.Context, req *kvrpcpb.CheckTxnStatusRequest) (*kvrpcpb.CheckTxnStatusResponse, error) {
	cmd := commands.NewCheckTxnStatus(req)
	resp, err := svr.run(&cmd)
	if err != nil {
		response := new(kvrpcpb.CheckTxnStatusResponse)
		response.Error, response.RegionError = convertToPBError(err)
		return response, nil
	}
	return resp.(*kvrpcpb.CheckTxnStatusResponse), nil
}

func (svr *Server) KvTxnHeartBeat(ctx context.Context, req *kvrpcpb.TxnHeartBeatRequest) (*kvrpcpb.TxnHeartBeatResponse, error) {
	cmd := commands.NewTxnHeartBeat(req)
	resp, err := svr.run(&cmd)
	if err != nil {
		response := new(kvrpcpb.TxnHeartBeatResponse)
		response.Error, response.RegionError = convertToPBError(err)
		return response, nil
	}
	return resp.(*kvrpcpb.TxnHeartBeatResponse), nil
}

func (svr *Server) KvScanLock(ctx context.Context, req *kvrpcpb.ScanLockRequest) (*kvrpcpb.ScanLockResponse, error) {
	if err := svr.acquireReadToken(); err != nil {
		return &kvrpcpb.ScanLockResponse{RegionError: extractRegionError(err)}, nil
	}
	defer svr.releaseReadToken()

	cmd := commands.NewScanLock(req)
	resp, err := commands.RunCommand(&cmd, svr.storage, svr.scheduler.Latches, svr.cm)
	if err != nil {
		response := new(kvrpcpb.ScanLockResponse)
		response.Error, response.RegionError = convertToPBError(err)
		return response, nil
	}
	return resp.(*kvrpcpb.ScanLockResponse), nil
}

func (svr *Server) KvResolveLock(ctx context.Context, req *kvrpcpb.ResolveLockRequest) (*kvrpcpb.ResolveLockResponse, error) {
	cmd := commands.NewResolveLock(req)
	cmd.SetBatchSize(svr.conf.ResolveLockBatchSize)
	resp, err := svr.run(&cmd)
	if err != nil {
		response := new(kvrpcpb.ResolveLockResponse)
		response.Error, response.RegionError = convertToPBError(err)
		return response, nil
	}
	return resp.(*kvrpcpb.ResolveLockResponse), nil
}

func (svr *Server) KvPessimisticLock(ctx context.Context, req *kvrpcpb.PessimisticLockRequest) (*kvrpcpb.PessimisticLockResponse, error) {
	for _, m := range req.Mutations {
		if err := svr.checkKeySize(m.Key); err != nil {
			return &kvrpcpb.PessimisticLockResponse{Errors: []*kvrpcpb.KeyError{convertToKeyError(err)}}, nil
		}
	}
	cmd := commands.NewPessimisticLock(req)
	resp, err := svr.run(&cmd)
	if err != nil {
		keyErr, regionErr := convertToPBError(err)
		return &kvrpcpb.PessimisticLockResponse{Errors: []*kvrpcpb.KeyError{keyErr}, RegionError: regionErr}, nil
	}
	return resp.(*kvrpcpb.PessimisticLockResponse), nil
}

func (svr *Server) KvPessimisticRollback(ctx context.Context, req *kvrpcpb.PessimisticRollbackRequest) (*kvrpcpb.PessimisticRollbackResponse, error) {
	cmd := commands.NewPessimisticRollback(req)
	resp, err := svr.run(&cmd)
	if err != nil {
		keyErr, regionErr := convertToPBError(err)
		return &kvrpcpb.PessimisticRollbackResponse{Errors: []*kvrpcpb.KeyError{keyErr}, RegionError: regionErr}, nil
	}
	return resp.(*kvrpcpb.PessimisticRollbackResponse), nil
}

// KvDeleteRange removes a range of user keys across every column family:
// staged values, locks and committed writes alike. The range is applied as
// one atomic batch.
func (svr *Server) KvDeleteRange(ctx context.Context, req *kvrpcpb.DeleteRangeRequest) (*kvrpcpb.DeleteRangeResponse, error) {
	if err := svr.checkKeySize(req.StartKey, req.EndKey); err != nil {
		return &kvrpcpb.DeleteRangeResponse{Error: err.Error()}, nil
	}
	err := svr.storage.Write(req.Context, []storage.Modify{{
		Data: storage.DeleteRange{StartKey: req.StartKey, EndKey: req.EndKey},
	}})
	if err != nil {
		return &kvrpcpb.DeleteRangeResponse{Error: err.Error()}, nil
	}
	return &kvrpcpb.DeleteRangeResponse{}, nil
}

func rawCF(cf string) string {
	if cf == "" {
		return engine_util.CfDefault
	}
	return cf
}

func (svr *Server) RawGet(ctx context.Context, req *kvrpcpb.RawGetRequest) (*kvrpcpb.RawGetResponse, error) {
	cf := rawCF(req.Cf)
	if !engine_util.ValidCF(cf) {
		return &kvrpcpb.RawGetResponse{Error: (&ErrInvalidCf{Cf: req.Cf}).Error()}, nil
	}
	reader, err := svr.storage.Reader(req.Context)
	if err != nil {
		return &kvrpcpb.RawGetResponse{Error: err.Error()}, nil
	}
	defer reader.Close()

	val, err := reader.GetCF(cf, req.Key)
	if err != nil {
		return &kvrpcpb.RawGetResponse{Error: err.Error()}, nil
	}
	if val == nil {
		return &kvrpcpb.RawGetResponse{NotFound: true}, nil
	}
	return &kvrpcpb.RawGetResponse{Value: val}, nil
}

func (svr *Server) RawPut(ctx context.Context, req *kvrpcpb.RawPutRequest) (*kvrpcpb.RawPutResponse, error) {
	cf := rawCF(req.Cf)
	if !engine_util.ValidCF(cf) {
		return &kvrpcpb.RawPutResponse{Error: (&ErrInvalidCf{Cf: req.Cf}).Error()}, nil
	}
	if err := svr.checkKeySize(req.Key); err != nil {
		return &kvrpcpb.RawPutResponse{Error: err.Error()}, nil
	}
	err := svr.storage.Write(req.Context, []storage.Modify{{
		Data: storage.Put{Key: req.Key, Value: req.Value, Cf: cf},
	}})
	if err != nil {
		return &kvrpcpb.RawPutResponse{Error: err.Error()}, nil
	}
	return &kvrpcpb.RawPutResponse{}, nil
}

func (svr *Server) RawDelete(ctx context.Context, req *kvrpcpb.RawDeleteRequest) (*kvrpcpb.RawDeleteResponse, error) {
	cf := rawCF(req.Cf)
	if !engine_util.ValidCF(cf) {
		return &kvrpcpb.RawDeleteResponse{Error: (&ErrInvalidCf{Cf: req.Cf}).Error()}, nil
	}
	err := svr.storage.Write(req.Context, []storage.Modify{{
		Data: storage.Delete{Key: req.Key, Cf: cf},
	}})
	if err != nil {
		return &kvrpcpb.RawDeleteResponse{Error: err.Error()}, nil
	}
	return &kvrpcpb.RawDeleteResponse{}, nil
}

func (svr *Server) RawBatchGet(ctx context.Context, req *kvrpcpb.RawBatchGetRequest) (*kvrpcpb.RawBatchGetResponse, error) {
	cf := rawCF(req.Cf)
	if !engine_util.ValidCF(cf) {
		return &kvrpcpb.RawBatchGetResponse{RegionError: rawRegionError(&ErrInvalidCf{Cf: req.Cf})}, nil
	}
	reader, err := svr.storage.Reader(req.Context)
	if err != nil {
		return &kvrpcpb.RawBatchGetResponse{RegionError: rawRegionError(err)}, nil
	}
	defer reader.Close()

	response := new(kvrpcpb.RawBatchGetResponse)
	for _, key := range req.Keys {
		val, err := reader.GetCF(cf, key)
		if err != nil {
			return &kvrpcpb.RawBatchGetResponse{RegionError: rawRegionError(err)}, nil
		}
		// Missing keys are omitted rather than reported.
		if val == nil {
			continue
		}
		response.Pairs = append(response.Pairs, &kvrpcpb.KvPair{Key: key, Value: val})
	}
	return response, nil
}

func (svr *Server) RawBatchPut(ctx context.Context, req *kvrpcpb.RawBatchPutRequest) (*kvrpcpb.RawBatchPutResponse, error) {
	cf := rawCF(req.Cf)
	if !engine_util.ValidCF(cf) {
		return &kvrpcpb.RawBatchPutResponse{Error: (&ErrInvalidCf{Cf: req.Cf}).Error()}, nil
	}
	batch := make([]storage.Modify, 0, len(req.Pairs))
	for _, pair := range req.Pairs {
		if err := svr.checkKeySize(pair.Key); err != nil {
			return &kvrpcpb.RawBatchPutResponse{Error: err.Error()}, nil
		}
		batch = append(batch, storage.Modify{
			Data: storage.Put{Key: pair.Key, Value: pair.Value, Cf: cf},
		})
	}
	if err := svr.storage.Write(req.Context, batch); err != nil {
		return &kvrpcpb.RawBatchPutResponse{Error: err.Error()}, nil
	}
	return &kvrpcpb.RawBatchPutResponse{}, nil
}

func (svr *Server) RawBatchDelete(ctx context.Context, req *kvrpcpb.RawBatchDeleteRequest) (*kvrpcpb.RawBatchDeleteResponse, error) {
	cf := rawCF(req.Cf)
	if !engine_util.ValidCF(cf) {
		return &kvrpcpb.RawBatchDeleteResponse{Error: (&ErrInvalidCf{Cf: req.Cf}).Error()}, nil
	}
	batch := make([]storage.Modify, 0, len(req.Keys))
	for _, key := range req.Keys {
		batch = append(batch, storage.Modify{
			Data: storage.Delete{Key: key, Cf: cf},
		})
	}
	if err := svr.storage.Write(req.Context, batch); err != nil {
		return &kvrpcpb.RawBatchDeleteResponse{Error: err.Error()}, nil
	}
	return &kvrpcpb.RawBatchDeleteResponse{}, nil
}

func (svr *Server) RawDeleteRange(ctx context.Context, req *kvrpcpb.RawDeleteRangeRequest) (*kvrpcpb.RawDeleteRangeResponse, error) {
	cf := rawCF(req.Cf)
	if !engine_util.ValidCF(cf) {
		return &kvrpcpb.RawDeleteRangeResponse{Error: (&ErrInvalidCf{Cf: req.Cf}).Error()}, nil
	}
	err := svr.storage.Write(req.Context, []storage.Modify{{
		Data: storage.DeleteRange{StartKey: req.StartKey, EndKey: req.EndKey, Cf: cf},
	}})
	if err != nil {
		return &kvrpcpb.RawDeleteRangeResponse{Error: err.Error()}, nil
	}
	return &kvrpcpb.RawDeleteRangeResponse{}, nil
}

func (svr *Server) RawScan(ctx context.Context, req *kvrpcpb.RawScanRequest) (*kvrpcpb.RawScanResponse, error) {
	cf := rawCF(req.Cf)
	if !engine_util.ValidCF(cf) {
		return &kvrpcpb.RawScanResponse{RegionError: rawRegionError(&ErrInvalidCf{Cf: req.Cf})}, nil
	}
	reader, err := svr.storage.Reader(req.Context)
	if err != nil {
		return &kvrpcpb.RawScanResponse{RegionError: rawRegionError(err)}, nil
	}
	defer reader.Close()

	var it engine_util.DBIterator
	if req.Reverse {
		it = reader.IterReverseCF(cf)
	} else {
		it = reader.IterCF(cf)
	}
	defer it.Close()

	response := new(kvrpcpb.RawScanResponse)
	for it.Seek(req.StartKey); it.Valid() && len(response.Kvs) < int(req.Limit); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if pastRawEndKey(key, req.EndKey, req.Reverse) {
			break
		}
		pair := &kvrpcpb.KvPair{Key: key}
		if !req.KeyOnly {
			value, err := item.ValueCopy(nil)
			if err != nil {
				return &kvrpcpb.RawScanResponse{RegionError: rawRegionError(err)}, nil
			}
			pair.Value = value
		}
		response.Kvs = append(response.Kvs, pair)
	}
	return response, nil
}

func pastRawEndKey(key, endKey []byte, reverse bool) bool {
	if len(endKey) == 0 {
		return false
	}
	if reverse {
		return engine_util.ExceedEndKey(endKey, key)
	}
	return engine_util.ExceedEndKey(key, endKey)
}

package checkpoints

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	baseNamePrefix = "checkpoint-"

	// JsonNameSuffix for the JSON files returned by ListCheckpoints.
	JsonNameSuffix = ".json"

	// BinDataSuffix for the data files (holding the reduction values) returned by ListCheckpoints.
	BinDataSuffix = ".bin"
)

// serializedData is the JSON metadata of one checkpoint.
type serializedData struct {
	Run        string
	Rank       int
	Saved      time.Time
	BinFormat  string
	Reductions []serializedReduction
}

// serializedReduction points to the bytes of one reduction result in the data file.
type serializedReduction struct {
	Name        string
	Seq         int
	Pos, Length int
}

// dirStore saves each checkpoint as a pair of files: <base>.json and <base>.bin.
type dirStore struct {
	dir       string
	rank      int
	keep      int
	binFormat BinFormat

	checkpointsCount int
}

func openDirStore(dir string, rank, keep int, bf BinFormat) (*dirStore, error) {
	s := &dirStore{dir: dir, rank: rank, keep: keep, binFormat: bf}
	all, err := ListCheckpoints(dir)
	if err != nil {
		return nil, err
	}
	s.checkpointsCount = maxCheckPointCountFromCheckpoints(all) + 1
	return s, nil
}

func (s *dirStore) String() string {
	return fmt.Sprintf("dir %q", s.dir)
}

func (s *dirStore) close() error { return nil }

// newCheckpointBaseName returns the base name for the checkpoint files.
func (s *dirStore) newCheckpointBaseName() string {
	now := time.Now().Format("20060102-150405")
	return fmt.Sprintf("%sn%07d-%s-r%03d", baseNamePrefix, s.checkpointsCount, now, s.rank)
}

// list returns the checkpoints of the store's rank.
func (s *dirStore) list() ([]string, error) {
	all, err := ListCheckpoints(s.dir)
	if err != nil {
		return nil, err
	}
	var mine []string
	for _, baseName := range all {
		if rank, ok := CheckpointRank(baseName); ok && rank == s.rank {
			mine = append(mine, baseName)
		}
	}
	return mine, nil
}

func (s *dirStore) load() ([]Record, error) {
	list, err := s.list()
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return LoadCheckpoint(s.dir, list[len(list)-1])
}

func (s *dirStore) save(run string, records []Record) error {
	baseName := s.newCheckpointBaseName()
	s.checkpointsCount++
	varFileName := filepath.Join(s.dir, baseName+BinDataSuffix)
	varFile, err := getSaveVarFiles(varFileName, s.binFormat)
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint data file %s", varFileName)
	}
	serialized := serializedData{
		Run:        run,
		Rank:       s.rank,
		Saved:      time.Now(),
		BinFormat:  s.binFormat.String(),
		Reductions: make([]serializedReduction, 0, len(records)),
	}
	pos := 0
	for _, r := range records {
		n, err := varFile.Write(r.Data)
		if err != nil {
			_ = varFile.Close()
			return errors.Wrapf(err, "failed to write reduction %q #%d", r.Name, r.Seq)
		}
		if n != len(r.Data) {
			_ = varFile.Close()
			return errors.Errorf("failed to write reduction %q #%d -- %d bytes requested, %d bytes written",
				r.Name, r.Seq, len(r.Data), n)
		}
		serialized.Reductions = append(serialized.Reductions, serializedReduction{
			Name: r.Name, Seq: r.Seq, Pos: pos, Length: n})
		pos += n
	}
	if err := varFile.Flush(); err != nil {
		return errors.Wrapf(err, "failed to flush checkpoint data file %s", varFileName)
	}
	if err := varFile.Close(); err != nil {
		return errors.Wrapf(err, "failed to close checkpoint data file %s", varFileName)
	}

	// The metadata file is written last: a checkpoint is only listed once it is complete.
	jsonFileName := filepath.Join(s.dir, baseName+JsonNameSuffix)
	jsonFile, err := os.Create(jsonFileName)
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint metadata file %s", jsonFileName)
	}
	enc := json.NewEncoder(jsonFile)
	enc.SetIndent("", "\t")
	if err = enc.Encode(&serialized); err != nil {
		_ = jsonFile.Close()
		return errors.Wrapf(err, "failed to write checkpoint metadata file %s", jsonFileName)
	}
	if err = jsonFile.Close(); err != nil {
		return errors.Wrapf(err, "failed to close checkpoint metadata file %s", jsonFileName)
	}
	return s.keepNCheckpoints()
}

// keepNCheckpoints checks if there are more than the configured number of checkpoints for the rank,
// and removes the excess.
func (s *dirStore) keepNCheckpoints() error {
	if s.keep < 0 {
		return nil
	}
	list, err := s.list()
	if err != nil {
		return errors.WithMessage(err, "failed to list saved checkpoints")
	}
	if len(list) <= s.keep {
		return nil
	}
	list = list[:len(list)-s.keep]
	for _, baseName := range list {
		for _, fileName := range []string{
			filepath.Join(s.dir, baseName+BinDataSuffix),
			filepath.Join(s.dir, baseName+JsonNameSuffix),
		} {
			err = os.Remove(fileName)
			if err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "failed to remove excess checkpoint file %q", fileName)
			}
		}
	}
	return nil
}

// ListCheckpoints returns the base names of the checkpoints of all ranks in dir, older first.
//
// The actual paths are these base names suffixed with JsonNameSuffix and BinDataSuffix.
func ListCheckpoints(dir string) (checkpoints []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing checkpoints in %q", dir)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, JsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, strings.TrimSuffix(fileName, JsonNameSuffix))
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

var (
	checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)
	checkpointRankRegex  = regexp.MustCompile(`-r(\d+)$`)
)

// CheckpointRank returns the rank encoded in a checkpoint base name.
func CheckpointRank(baseName string) (int, bool) {
	matches := checkpointRankRegex.FindStringSubmatch(baseName)
	if len(matches) != 2 {
		return 0, false
	}
	rank, err := strconv.Atoi(matches[1])
	return rank, err == nil
}

// maxCheckPointCountFromCheckpoints returns the largest `checkpointCount` in the saved
// checkpoints -- so the next checkpoint saved uses this count+1.
func maxCheckPointCountFromCheckpoints(checkpoints []string) int {
	maxId := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		maxId = max(maxId, id)
	}
	return maxId
}

// LoadCheckpoint reads the records of the checkpoint baseName in dir.
func LoadCheckpoint(dir, baseName string) ([]Record, error) {
	jsonFileName := filepath.Join(dir, baseName+JsonNameSuffix)
	jsonBytes, err := os.ReadFile(jsonFileName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint metadata %q", jsonFileName)
	}
	var serialized serializedData
	if err = json.Unmarshal(jsonBytes, &serialized); err != nil {
		return nil, errors.Wrapf(err, "failed to parse checkpoint metadata %q", jsonFileName)
	}

	varFileName := filepath.Join(dir, baseName+BinDataSuffix)
	varFile, err := os.Open(varFileName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint data %q", varFileName)
	}
	defer func() { _ = varFile.Close() }()
	rd, err := getLoadVarFilesFromReader(varFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint data %q", varFileName)
	}
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint data %q", varFileName)
	}

	records := make([]Record, 0, len(serialized.Reductions))
	for _, sr := range serialized.Reductions {
		if sr.Pos < 0 || sr.Length < 0 || sr.Pos+sr.Length > len(data) {
			return nil, errors.Errorf("checkpoint %q: reduction %q #%d at [%d, %d) is beyond the %d bytes of data",
				baseName, sr.Name, sr.Seq, sr.Pos, sr.Pos+sr.Length, len(data))
		}
		records = append(records, Record{
			Name: sr.Name,
			Seq:  sr.Seq,
			Data: append([]byte(nil), data[sr.Pos:sr.Pos+sr.Length]...),
		})
	}
	return records, nil
}

const (
	binHeader     = "ops_checkpoints"
	lenBinHeader  = len(binHeader)
	gzipHeader    = "gzip"
	lenGzipHeader = uint8(len(gzipHeader))
)

// Format header
//
// --------------------------------------------
// | 0               14 | 15  | 16    16 +len |
// --------------------------------------------
// |  "ops_checkpoints" | len |  "gzip"       |

// getLoadVarFilesFromReader returns a reader to the decompressed data. Files without the header
// are read as uncompressed.
func getLoadVarFilesFromReader(f io.ReadSeeker) (io.Reader, error) {
	buf := make([]byte, lenBinHeader)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "read header")
	}
	if n < lenBinHeader || string(buf) != binHeader {
		if _, err = f.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "seek header")
		}
		return f, nil
	}
	var headerZipLen uint8
	if err := binary.Read(f, binary.BigEndian, &headerZipLen); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	buf1 := make([]byte, headerZipLen)
	if _, err = io.ReadFull(f, buf1); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(buf1) != gzipHeader {
		return nil, ErrUnsupportedCompression
	}
	rd, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "read gzip header")
	}
	defer func() { _ = rd.Close() }()
	var rd1 bytes.Buffer
	if _, err = rd1.ReadFrom(rd); err != nil {
		return nil, errors.Wrap(err, "read zip")
	}
	return &rd1, nil
}

type flushWriter interface {
	Write([]byte) (int, error)
	Close() error
	Flush() error
}

type flushNullWriter struct {
	io.WriteCloser
}

func (fw flushNullWriter) Flush() error {
	return nil
}

// gzipFileWriter closes both the gzip stream and the file under it.
type gzipFileWriter struct {
	*gzip.Writer
	f *os.File
}

func (w gzipFileWriter) Close() error {
	if err := w.Writer.Close(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}

// getSaveVarFiles creates a new file at the specified path and, for BinGZIP, writes the header and returns
// a gzip writer for the file. It is the responsibility of the caller to call the writer's Flush function
// before closing.
func getSaveVarFiles(path string, bf BinFormat) (flushWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create file")
	}
	if bf == BinUncompressed {
		return &flushNullWriter{f}, nil
	}
	var h []byte
	h = append(h, []byte(binHeader)...)
	h = append(h, lenGzipHeader)
	h = append(h, []byte(gzipHeader)...)
	if _, err = f.Write(h); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "write header")
	}
	return gzipFileWriter{Writer: gzip.NewWriter(f), f: f}, nil
}

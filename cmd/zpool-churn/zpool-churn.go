/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed May 15 13:40:12 2019 mstenber
 * Last modified: Thu May 16 10:25:31 2019 mstenber
 * Edit time:     105 min
 *
 */

// zpool-churn runs a synthetic block workload against the I/O
// pipeline: a mix of random, compressible, duplicate and zero blocks
// is written, verified and freed concurrently, and the outcome is
// summarized. Useful for soaking the pipeline against the different
// device backends.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/fingon/go-zpool/alloc"
	"github.com/fingon/go-zpool/blkptr"
	"github.com/fingon/go-zpool/codec"
	"github.com/fingon/go-zpool/dedup"
	"github.com/fingon/go-zpool/util"
	"github.com/fingon/go-zpool/vdev"
	"github.com/fingon/go-zpool/zio"
)

type stats struct {
	blocks    util.AtomicInt
	bytes     util.AtomicInt
	holes     util.AtomicInt
	embedded  util.AtomicInt
	gangs     util.AtomicInt
	frees     util.AtomicInt
	verifies  util.AtomicInt
	conflicts util.AtomicInt
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n\n%s [options]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	backendp := flag.String("backend", "mem", "Device backend to use (possible: mem, file, badger)")
	dir := flag.String("dir", "", "Directory for file/badger devices and the dedup index")
	devices := flag.Int("devices", 2, "Number of devices in the pool")
	devsize := flag.Int64("devsize", 256<<20, "Size of one device in bytes")
	workers := flag.Int("workers", 4, "Concurrent writers")
	rounds := flag.Int("rounds", 500, "Blocks written per worker")
	blocksize := flag.Int("blocksize", 128*1024, "Logical block size in bytes")
	maxcontig := flag.Int("maxcontig", 0, "Cap contiguous extents (forces gang writes; 0 disables)")
	dedupp := flag.Bool("dedup", false, "Deduplicate duplicate content")
	password := flag.String("password", "", "Encrypt block contents (empty disables)")
	salt := flag.String("salt", "salt", "Salt")
	seed := flag.Int64("seed", 0, "Workload random seed (0 = random, or SEED=)")
	cpuprofile := flag.String("cpuprofile", "", "CPU profile file")
	memprofile := flag.String("memprofile", "", "Memory profile file")

	flag.Parse()

	if *blocksize <= 0 || *blocksize&(blkptr.SectorSize-1) != 0 {
		log.Fatalf("blocksize %d is not a sector multiple", *blocksize)
	}
	if *seed == 0 {
		*seed = util.GetSeededRng().Int63()
	}
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	var devs []vdev.Device
	sizes := make([]uint64, 0, *devices)
	for i := 0; i < *devices; i++ {
		devs = append(devs, makeDevice(*backendp, *dir, i, uint64(*devsize)))
		sizes = append(sizes, uint64(*devsize))
	}
	al := alloc.FreelistAllocator{}.Init(sizes...)
	al.MaxContiguous = *maxcontig

	config := zio.Config{
		Devices:  devs,
		Alloc:    al,
		FailMode: zio.FailModeContinue,
		Deadman:  time.Minute,
	}
	if *dedupp {
		if *dir != "" {
			config.DDT = dedup.BoltTable{}.Init(filepath.Join(*dir, "ddt.db"))
		} else {
			config.DDT = dedup.MemTable{}.Init()
		}
		defer config.DDT.Close()
	}
	if *password != "" {
		config.Cipher = codec.NewCipher(codec.CipherAESGCM,
			[]byte(*password), []byte(*salt), 2048)
	}
	pool := zio.Pool{}.Init(config)

	st := &stats{}
	started := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			churn(pool, st, w, *rounds, *blocksize, *dedupp,
				*password != "", *seed+int64(w))
		}()
	}
	wg.Wait()

	if err := pool.Close(); err != nil {
		log.Printf("pool close: %v", err)
	}
	elapsed := time.Since(started)
	fmt.Printf("wrote %d blocks / %d MB in %v (%.1f MB/s)\n",
		st.blocks.Get(), st.bytes.Get()>>20, elapsed.Round(time.Millisecond),
		float64(st.bytes.Get())/1e6/elapsed.Seconds())
	fmt.Printf("  holes=%d embedded=%d gangs=%d frees=%d verified=%d\n",
		st.holes.Get(), st.embedded.Get(), st.gangs.Get(),
		st.frees.Get(), st.verifies.Get())
	fmt.Printf("  still allocated: %d bytes\n", al.Used())
	if st.conflicts.Get() > 0 {
		log.Fatalf("%d verification failures", st.conflicts.Get())
	}

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.WriteHeapProfile(f)
		f.Close()
	}
}

func makeDevice(backend, dir string, i int, size uint64) vdev.Device {
	path := filepath.Join(dir, fmt.Sprintf("dev%d", i))
	switch backend {
	case "mem":
		return vdev.MemDevice{}.Init(size, 2)
	case "file":
		return vdev.FileDevice{}.Init(path, size, 2)
	case "badger":
		return vdev.BadgerDevice{}.Init(path, size, 1)
	}
	log.Panicf("Invalid backend: %s", backend)
	return nil
}

// churn is one worker's workload: write a mixed batch, verify a
// sample, free a fraction, flush now and then.
func churn(pool *zio.Pool, st *stats, worker, rounds, blocksize int,
	useDedup, useEncrypt bool, seed int64) {
	rnd := rand.New(rand.NewSource(seed))
	props := zio.WriteProps{
		Checksum: blkptr.ChecksumFletcher4,
		Compress: blkptr.CompressLZ4,
		Type:     blkptr.TypeObjectData,
		Copies:   1,
		Embedded: true,
	}
	if useDedup {
		props.Checksum = blkptr.ChecksumSHA256
		props.Dedup = true
		props.Embedded = false
	}
	if useEncrypt {
		props.Encrypt = true
		props.Embedded = false
	}

	live := make([]blkptr.Ptr, 0, rounds)
	marks := make([]blkptr.Bookmark, 0, rounds)
	payloads := make([][]byte, 0, rounds)
	txg := uint64(1)

	for i := 0; i < rounds; i++ {
		data := makeBlock(rnd, blocksize)
		mark := blkptr.Bookmark{Objset: uint64(worker), Blkid: uint64(i)}
		op := pool.Write(props, data, blocksize, zio.PriAsyncWrite, 0,
			mark, txg, nil, nil)
		if err := op.Wait(); err != nil {
			log.Panicf("write %d/%d: %v", worker, i, err)
		}
		bp := op.Ptr()
		st.blocks.Add(1)
		st.bytes.Add(int64(blocksize))
		switch {
		case bp.IsHole():
			st.holes.Add(1)
		case bp.IsEmbedded():
			st.embedded.Add(1)
		case bp.IsGang():
			st.gangs.Add(1)
		}
		live = append(live, bp)
		marks = append(marks, mark)
		payloads = append(payloads, data)

		// Verify a sample of what is live.
		if rnd.Intn(8) == 0 {
			j := rnd.Intn(len(live))
			rop := pool.Read(live[j], zio.PriAsyncRead, 0, marks[j], nil)
			if err := rop.Wait(); err != nil {
				log.Printf("read %d/%d: %v", worker, j, err)
				st.conflicts.Add(1)
			} else if !bytes.Equal(rop.Data(), payloads[j]) {
				log.Printf("content mismatch %d/%d", worker, j)
				st.conflicts.Add(1)
			}
			st.verifies.Add(1)
		}

		// Retire a fraction to keep the pool from filling up.
		if len(live) > 16 && rnd.Intn(4) == 0 {
			j := rnd.Intn(len(live))
			if err := pool.Free(live[j], txg).Wait(); err != nil {
				log.Panicf("free %d/%d: %v", worker, j, err)
			}
			last := len(live) - 1
			live[j], live = live[last], live[:last]
			marks[j], marks = marks[last], marks[:last]
			payloads[j], payloads = payloads[last], payloads[:last]
			st.frees.Add(1)
		}

		if i%100 == 99 {
			if err := pool.Flush(nil).Wait(); err != nil {
				log.Printf("flush: %v", err)
			}
			txg++
		}
	}

	for j, bp := range live {
		if err := pool.Free(bp, txg).Wait(); err != nil {
			log.Panicf("final free %d/%d: %v", worker, j, err)
		}
		st.frees.Add(1)
	}
}

// makeBlock picks the content mix: mostly random, some compressible,
// the occasional duplicate-friendly or all-zero block.
func makeBlock(rnd *rand.Rand, blocksize int) []byte {
	data := make([]byte, blocksize)
	switch rnd.Intn(10) {
	case 0:
		// All zero; elided into a hole.
	case 1, 2:
		// Duplicate-friendly: one of a few fixed fillers.
		filler := byte('a' + rnd.Intn(4))
		for i := range data {
			data[i] = filler
		}
	case 3, 4, 5:
		// Compressible: repeated short phrase.
		phrase := []byte("all work and no play makes zio a dull pipeline. ")
		for i := range data {
			data[i] = phrase[i%len(phrase)]
		}
	default:
		rnd.Read(data)
	}
	return data
}

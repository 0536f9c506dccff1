package persist

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test the Common Store Functionality
func testStoreImplementation(t *testing.T, store Store) {
	// Shared test data
	registryData := []byte(`{"schema_version":1,"keys":{}}`)
	manifestData := []byte(`{"schema_version":1,"vault_id":"vault-001","name":"Test Vault"}`)
	salt := []byte("random-installation-salt-32-byte")
	material := []byte("wrapped-private-key-material")

	// Health and connectivity tests
	t.Run("Ping", func(t *testing.T) {
		err := store.Ping()
		assert.NoError(t, err, "Store should be reachable")
	})

	t.Run("GetType", func(t *testing.T) {
		storeType := store.GetType()
		assert.NotEmpty(t, storeType, "Store type should not be empty")
		t.Logf("Store type: %s", storeType)
	})

	// Registry blob operations
	var registryVersion string
	t.Run("SaveRegistry", func(t *testing.T) {
		version, err := store.SaveRegistry(registryData, "")
		require.NoError(t, err)
		assert.NotEmpty(t, version, "Version should not be empty")
		registryVersion = version
	})

	t.Run("RegistryExists", func(t *testing.T) {
		exists, err := store.RegistryExists()
		require.NoError(t, err)
		assert.True(t, exists, "Registry should exist after saving")
	})

	t.Run("LoadRegistry", func(t *testing.T) {
		versionedData, err := store.LoadRegistry()
		require.NoError(t, err)
		assert.NotNil(t, versionedData, "Versioned data should not be nil")
		assert.Equal(t, registryData, versionedData.Data, "Loaded registry should match saved registry")
		assert.Equal(t, registryVersion, versionedData.Version, "Version should match")
		assert.False(t, versionedData.Timestamp.IsZero(), "Timestamp should be set")
	})

	// Manifest blob operations
	const vaultID = "vault-001"
	var manifestVersion string
	t.Run("SaveManifest", func(t *testing.T) {
		version, err := store.SaveManifest(vaultID, manifestData, "")
		require.NoError(t, err)
		assert.NotEmpty(t, version, "Version should not be empty")
		manifestVersion = version
	})

	t.Run("ManifestExists", func(t *testing.T) {
		exists, err := store.ManifestExists(vaultID)
		require.NoError(t, err)
		assert.True(t, exists, "Manifest should exist after saving")
	})

	t.Run("LoadManifest", func(t *testing.T) {
		versionedData, err := store.LoadManifest(vaultID)
		require.NoError(t, err)
		assert.NotNil(t, versionedData)
		assert.Equal(t, manifestData, versionedData.Data, "Loaded manifest should match saved manifest")
		assert.Equal(t, manifestVersion, versionedData.Version, "Version should match")
	})

	t.Run("ListVaults", func(t *testing.T) {
		// Add a second manifest so listing returns more than one vault
		_, err := store.SaveManifest("vault-002", []byte(`{"vault_id":"vault-002"}`), "")
		require.NoError(t, err)

		vaults, err := store.ListVaults()
		require.NoError(t, err)
		assert.Contains(t, vaults, "vault-001")
		assert.Contains(t, vaults, "vault-002")
	})

	t.Run("DeleteManifest", func(t *testing.T) {
		err := store.DeleteManifest("vault-002")
		require.NoError(t, err)

		exists, err := store.ManifestExists("vault-002")
		require.NoError(t, err)
		assert.False(t, exists, "Deleted manifest should not exist")

		vaults, err := store.ListVaults()
		require.NoError(t, err)
		assert.NotContains(t, vaults, "vault-002")
	})

	// Key material operations
	const materialRef = "key-abc123"
	t.Run("SaveKeyMaterial", func(t *testing.T) {
		err := store.SaveKeyMaterial(materialRef, material)
		require.NoError(t, err)
	})

	t.Run("LoadKeyMaterial", func(t *testing.T) {
		loaded, err := store.LoadKeyMaterial(materialRef)
		require.NoError(t, err)
		assert.Equal(t, material, loaded, "Loaded material should match saved material")
	})

	t.Run("DeleteKeyMaterial", func(t *testing.T) {
		err := store.DeleteKeyMaterial(materialRef)
		require.NoError(t, err)

		_, err = store.LoadKeyMaterial(materialRef)
		assert.Error(t, err, "Loading purged material should fail")
	})

	t.Run("DeleteNonexistentKeyMaterial", func(t *testing.T) {
		err := store.DeleteKeyMaterial("never-existed")
		require.Error(t, err)
		assert.True(t, errors.Is(err, os.ErrNotExist),
			"Deleting a missing ref should match os.ErrNotExist, got: %v", err)
	})

	// Salt operations
	t.Run("SaveSalt", func(t *testing.T) {
		err := store.SaveSalt(salt)
		require.NoError(t, err)
	})

	t.Run("SaltExists", func(t *testing.T) {
		exists, err := store.SaltExists()
		require.NoError(t, err)
		assert.True(t, exists, "Salt should exist after saving")
	})

	t.Run("LoadSalt", func(t *testing.T) {
		loaded, err := store.LoadSalt()
		require.NoError(t, err)
		assert.Equal(t, salt, loaded, "Loaded salt should match saved salt")
	})

	// Optimistic locking tests
	t.Run("OptimisticLocking", func(t *testing.T) {
		t.Run("VersionConflict", func(t *testing.T) {
			version1, err := store.SaveRegistry(registryData, "")
			require.NoError(t, err)
			require.NotEmpty(t, version1)

			versionedData, err := store.LoadRegistry()
			require.NoError(t, err)
			require.NotEmpty(t, versionedData.Version)

			modifiedData := []byte(`{"schema_version":1,"keys":{"k1":{}}}`)

			// Save with the current version (this should succeed)
			version2, err := store.SaveRegistry(modifiedData, versionedData.Version)
			require.NoError(t, err)
			require.NotEmpty(t, version2)
			require.NotEqual(t, version1, version2)

			// Now try to save again with the stale version (this should fail)
			anotherModification := []byte(`{"schema_version":1,"keys":{"k2":{}}}`)
			_, err = store.SaveRegistry(anotherModification, version1)
			require.Error(t, err, "Should return an error for version conflict")

			var concurrencyErr ConcurrencyError
			if errors.As(err, &concurrencyErr) {
				assert.Equal(t, version1, concurrencyErr.ExpectedVersion)
				assert.Equal(t, version2, concurrencyErr.ActualVersion)
				assert.Equal(t, "SaveRegistry", concurrencyErr.Operation)
			} else {
				t.Logf("Got error (not ConcurrencyError): %v (%T)", err, err)
			}
		})

		t.Run("ValidVersion", func(t *testing.T) {
			version1, err := store.SaveManifest(vaultID, manifestData, "")
			require.NoError(t, err)

			versionedData, err := store.LoadManifest(vaultID)
			require.NoError(t, err)

			modifiedData := []byte(`{"schema_version":1,"vault_id":"vault-001","name":"Renamed Vault"}`)
			version2, err := store.SaveManifest(vaultID, modifiedData, versionedData.Version)
			require.NoError(t, err)
			require.NotEmpty(t, version2)
			require.NotEqual(t, version1, version2)

			loaded, err := store.LoadManifest(vaultID)
			require.NoError(t, err)
			assert.Equal(t, version2, loaded.Version)
			assert.Contains(t, string(loaded.Data), "Renamed Vault")
		})

		t.Run("EmptyVersionOnFirstSave", func(t *testing.T) {
			version, err := store.SaveRegistry(registryData, "")
			require.NoError(t, err)
			require.NotEmpty(t, version)
		})
	})

	// Error handling tests
	t.Run("ErrorHandling", func(t *testing.T) {
		t.Run("LoadNonexistentRegistry", func(t *testing.T) {
			testStore := createFreshTestStore(t)

			exists, err := testStore.RegistryExists()
			require.NoError(t, err)
			require.False(t, exists, "Fresh store should have no registry")

			data, err := testStore.LoadRegistry()
			assert.Error(t, err, "Loading nonexistent registry should return error")
			assert.Nil(t, data, "Data should be nil when error occurs")
		})

		t.Run("LoadNonexistentSalt", func(t *testing.T) {
			testStore := createFreshTestStore(t)

			exists, err := testStore.SaltExists()
			require.NoError(t, err)
			require.False(t, exists, "Fresh store should have no salt")

			data, err := testStore.LoadSalt()
			assert.Error(t, err, "Loading nonexistent salt should return error")
			assert.Nil(t, data, "Data should be nil when error occurs")
		})

		t.Run("LoadNonexistentManifest", func(t *testing.T) {
			_, err := store.LoadManifest("no-such-vault")
			assert.Error(t, err, "Loading nonexistent manifest should return error")
		})

		t.Run("SaveNilData", func(t *testing.T) {
			_, err := store.SaveRegistry(nil, "")
			assert.Error(t, err, "Nil registry data should be rejected")

			_, err = store.SaveManifest(vaultID, nil, "")
			assert.Error(t, err, "Nil manifest data should be rejected")
		})

		t.Run("SaveEmptySalt", func(t *testing.T) {
			err := store.SaveSalt(nil)
			assert.Error(t, err, "Empty salt should be rejected")
		})

		t.Run("InvalidBlobID", func(t *testing.T) {
			_, err := store.SaveManifest("../escape", manifestData, "")
			assert.Error(t, err, "Path traversal in vault ID should be rejected")

			err = store.SaveKeyMaterial("../../etc/passwd", material)
			assert.Error(t, err, "Path traversal in material ref should be rejected")
		})
	})

	// Concurrency tests
	t.Run("ConcurrentOperations", func(t *testing.T) {
		_, err := store.SaveRegistry(registryData, "")
		require.NoError(t, err, "Initial registry save should succeed")

		var wg sync.WaitGroup
		errs := make(chan error, 40)

		// Concurrent manifest writers, one vault each so no version conflicts
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				vid := fmt.Sprintf("concurrent-vault-%d", id)
				data := []byte(fmt.Sprintf(`{"vault_id":"%s"}`, vid))
				if _, err := store.SaveManifest(vid, data, ""); err != nil {
					errs <- err
				}
			}(i)
		}

		// Concurrent key material writers
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				ref := fmt.Sprintf("concurrent-key-%d", id)
				if err := store.SaveKeyMaterial(ref, material); err != nil {
					errs <- err
				}
			}(i)
		}

		// Concurrent readers
		for i := 0; i < 5; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if _, err := store.LoadRegistry(); err != nil {
					errs <- err
				}
			}()
			go func() {
				defer wg.Done()
				if _, err := store.ListVaults(); err != nil {
					errs <- err
				}
			}()
		}

		wg.Wait()
		close(errs)

		var errorList []error
		for err := range errs {
			errorList = append(errorList, err)
		}
		require.Empty(t, errorList, "Concurrent operations should not fail: %v", errorList)
	})

	// Edge cases with versioning
	t.Run("EdgeCases", func(t *testing.T) {
		t.Run("LargeData", func(t *testing.T) {
			// 1MB registry blob
			largeData := make([]byte, 1024*1024)
			for i := range largeData {
				largeData[i] = byte(i % 256)
			}

			version, err := store.SaveRegistry(largeData, "")
			require.NoError(t, err, "Should handle large data")
			assert.NotEmpty(t, version)

			loaded, err := store.LoadRegistry()
			require.NoError(t, err)
			assert.Equal(t, largeData, loaded.Data, "Large data should round-trip")
			assert.Equal(t, version, loaded.Version)
		})

		t.Run("InvalidVersion", func(t *testing.T) {
			_, err := store.SaveRegistry(registryData, "invalid-version-12345")
			assert.Error(t, err, "Should fail with a version that never existed")
		})

		t.Run("RapidSequentialUpdates", func(t *testing.T) {
			baseData := []byte(`{"seq":0}`)
			version, err := store.SaveRegistry(baseData, "")
			require.NoError(t, err)

			const numUpdates = 10
			currentVersion := version
			for i := 0; i < numUpdates; i++ {
				updateData := []byte(fmt.Sprintf(`{"seq":%d}`, i+1))
				newVersion, err := store.SaveRegistry(updateData, currentVersion)
				require.NoError(t, err, "Update %d should succeed", i)
				assert.NotEqual(t, currentVersion, newVersion, "Version should change on update %d", i)
				currentVersion = newVersion

				loaded, err := store.LoadRegistry()
				require.NoError(t, err)
				assert.Equal(t, updateData, loaded.Data, "Data should match for update %d", i)
				assert.Equal(t, newVersion, loaded.Version, "Version should match for update %d", i)
			}
		})
	})

	// Resource cleanup and validation
	t.Run("ResourceManagement", func(t *testing.T) {
		t.Run("DataConsistencyAfterErrors", func(t *testing.T) {
			goodData := []byte(`{"state":"good"}`)
			version, err := store.SaveRegistry(goodData, "")
			require.NoError(t, err)

			badData := []byte(`{"state":"bad"}`)
			_, err = store.SaveRegistry(badData, "invalid-version")
			assert.Error(t, err, "Invalid version should fail")

			loaded, err := store.LoadRegistry()
			require.NoError(t, err)
			assert.Equal(t, goodData, loaded.Data, "Original data should be preserved")
			assert.Equal(t, version, loaded.Version, "Original version should be preserved")
		})

		t.Run("StorageIntegrity", func(t *testing.T) {
			// All blob families coexist independently
			_, err := store.SaveRegistry(registryData, "")
			require.NoError(t, err)
			_, err = store.SaveManifest(vaultID, manifestData, "")
			require.NoError(t, err)
			require.NoError(t, store.SaveKeyMaterial("integrity-key", material))
			require.NoError(t, store.SaveSalt(salt))

			assert.True(t, mustExists(store.RegistryExists()), "Registry should exist")
			assert.True(t, mustExists(store.ManifestExists(vaultID)), "Manifest should exist")
			assert.True(t, mustExists(store.SaltExists()), "Salt should exist")

			loadedMaterial, err := store.LoadKeyMaterial("integrity-key")
			require.NoError(t, err)
			assert.Equal(t, material, loadedMaterial)
		})
	})

	// Performance tests
	t.Run("PerformanceTests", func(t *testing.T) {
		if testing.Short() {
			t.Skip("Skipping performance tests in short mode")
		}

		t.Run("SequentialWritePerformance", func(t *testing.T) {
			const numWrites = 50

			startTime := time.Now()
			currentVersion := ""
			for i := 0; i < numWrites; i++ {
				data := []byte(fmt.Sprintf(`{"perf":%d}`, i))
				newVersion, err := store.SaveRegistry(data, currentVersion)
				require.NoError(t, err, "Write %d should succeed", i)
				currentVersion = newVersion
			}

			duration := time.Since(startTime)
			avgTimePerWrite := duration / numWrites
			t.Logf("Sequential writes: %d operations in %v (avg: %v per operation)",
				numWrites, duration, avgTimePerWrite)
			assert.Less(t, avgTimePerWrite, time.Second, "Average write time should be reasonable")
		})

		t.Run("ConcurrentReadPerformance", func(t *testing.T) {
			testData := []byte(`{"perf":"read"}`)
			_, err := store.SaveRegistry(testData, "")
			require.NoError(t, err)

			const numReaders = 10
			const readsPerReader = 20

			var wg sync.WaitGroup
			startTime := time.Now()
			for i := 0; i < numReaders; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < readsPerReader; j++ {
						loaded, err := store.LoadRegistry()
						require.NoError(t, err)
						assert.Equal(t, testData, loaded.Data)
					}
				}()
			}
			wg.Wait()

			duration := time.Since(startTime)
			totalReads := numReaders * readsPerReader
			avgTimePerRead := duration / time.Duration(totalReads)
			t.Logf("Concurrent reads: %d readers x %d reads = %d total in %v (avg: %v per read)",
				numReaders, readsPerReader, totalReads, duration, avgTimePerRead)
			assert.Less(t, avgTimePerRead, 500*time.Millisecond, "Concurrent read performance should be good")
		})
	})

	// Cleanup and close
	t.Run("Close", func(t *testing.T) {
		err := store.Close()
		assert.NoError(t, err, "Store should close without error")
	})
}

// Helper function to handle exists checks that return (bool, error)
func mustExists(exists bool, err error) bool {
	if err != nil {
		return false
	}
	return exists
}

// Helper function to create a fresh store for testing
func createFreshTestStore(t *testing.T) Store {
	store, err := NewFileSystemStore(t.TempDir())
	require.NoError(t, err, "NewFileSystemStore should succeed")
	t.Cleanup(func() { store.Close() })
	return store
}
